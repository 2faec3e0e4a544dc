package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/stream"
)

// FrameType identifies a websocket frame of the conversation stream.
type FrameType string

// Frames exchanged on /v1/stream. The client sends message and tool_result
// frames; the server answers with message, end_of_turn and error frames.
const (
	FrameMessage    FrameType = "message"
	FrameToolResult FrameType = "tool_result"
	FrameEndOfTurn  FrameType = "end_of_turn"
	FrameError      FrameType = "error"
)

// Frame is the wire format of every websocket message.
type Frame struct {
	Type    FrameType           `json:"type"`
	Text    string              `json:"text,omitempty"`
	Message *message.Message    `json:"message,omitempty"`
	Result  *message.ToolResult `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// handleStream runs a conversation over a websocket. Tool calls the agent
// has handlers for are answered in place; the others are left for the
// client to answer with a tool_result frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()

	ctx := r.Context()
	st, err := s.rt.Agent().NewStream(ctx)
	if err != nil {
		s.send(ctx, conn, Frame{Type: FrameError, Error: err.Error()})
		return
	}
	defer st.Close()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			s.send(ctx, conn, Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}

		switch in.Type {
		case FrameMessage:
			err = st.Send(in.Text)
		case FrameToolResult:
			if in.Result == nil {
				s.send(ctx, conn, Frame{Type: FrameError, Error: "tool_result frame without result"})
				continue
			}
			err = st.Submit(*in.Result)
		default:
			s.send(ctx, conn, Frame{Type: FrameError, Error: "unexpected frame type " + string(in.Type)})
			continue
		}
		if err != nil {
			s.send(ctx, conn, Frame{Type: FrameError, Error: err.Error()})
			continue
		}

		if !s.pump(ctx, conn, st) {
			_ = conn.Close(websocket.StatusNormalClosure, "stream failed")
			return
		}
	}
}

// pump forwards stream output until the turn ends or waits on the client.
// It returns false once the stream has failed.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, st *stream.Stream) bool {
	for {
		msg, err := st.Next(ctx)
		switch {
		case errors.Is(err, stream.ErrEndOfStream):
			return s.send(ctx, conn, Frame{Type: FrameEndOfTurn})
		case err != nil:
			s.send(ctx, conn, Frame{Type: FrameError, Error: err.Error()})
			return false
		}
		if !s.send(ctx, conn, Frame{Type: FrameMessage, Message: msg}) {
			return false
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			continue
		}
		call := calls[0]
		if !s.rt.Agent().CanExecute(call.Name) {
			return true
		}
		result, err := s.rt.Agent().ExecuteTool(ctx, call)
		if err != nil {
			result = message.ToolResult{ID: call.ID, Name: call.Name, Output: err.Error(), IsError: true}
		}
		if err := st.Submit(result); err != nil {
			s.send(ctx, conn, Frame{Type: FrameError, Error: err.Error()})
			return false
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("marshal frame failed", "error", err)
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
