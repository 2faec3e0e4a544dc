// Package stream runs a conversation in the background and lets a caller
// pull produced messages while submitting tool results asynchronously.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/message"
	"github.com/sweetpotato0/agentstep/pkg/logging"
	"github.com/sweetpotato0/agentstep/reply"
)

var (
	// ErrEndOfStream marks the end of a turn. It is also returned when no
	// turn is running.
	ErrEndOfStream = errors.New("end of stream")
	// ErrFailed wraps the reason a turn failed.
	ErrFailed = errors.New("stream failed")
)

// SessionFactory creates the reply session for one turn, seeded with the
// conversation so far.
type SessionFactory func(history []*message.Message) *reply.Session

// Option configures a Stream.
type Option func(*Stream)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHistory seeds the conversation.
func WithHistory(history []*message.Message) Option {
	return func(s *Stream) {
		s.history = message.CloneMessages(history)
	}
}

// item is one unit handed from the drive loop to Next.
type item struct {
	msg *message.Message
	err error
}

// Stream drives reply sessions on a background goroutine. Produced messages
// are handed to Next through an unbuffered channel, so each message is
// delivered exactly once. Turn ends are counted under the lock and announced
// on changed, so a Next that starts after a turn ended never waits on out.
// At most one tool result is buffered.
type Stream struct {
	factory SessionFactory
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan item
	wake   chan struct{}
	result chan message.ToolResult
	start  sync.Once

	mu       sync.Mutex
	changed  chan struct{}
	queue    []string
	active   bool
	ends     int
	failed   bool
	closed   bool
	pending  *message.ToolCall
	buffered bool
	history  []*message.Message
	session  *reply.Session
}

// New creates an idle stream. The drive loop starts with the first Send.
func New(factory SessionFactory, opts ...Option) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		factory: factory,
		logger:  logging.WithComponent("stream"),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan item),
		wake:    make(chan struct{}, 1),
		result:  make(chan message.ToolResult, 1),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send queues a user message and returns without waiting for the model.
func (s *Stream) Send(text string) error {
	const op = "stream_send"
	if strings.TrimSpace(text) == "" {
		return errorskg.New(errorskg.KindValidation, op, fmt.Errorf("message text is empty: %w", errorskg.ErrInvalidInput))
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionClosed)
	case s.failed:
		s.mu.Unlock()
		return errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionTerminated)
	}
	s.queue = append(s.queue, text)
	s.active = true
	s.mu.Unlock()

	s.start.Do(func() { go s.run() })
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until the drive loop produces a message. It returns
// ErrEndOfStream when a turn ends or when nothing is running, an error
// wrapping ErrFailed when the turn failed, and ErrCancelled once the stream
// is closed or ctx is done.
func (s *Stream) Next(ctx context.Context) (*message.Message, error) {
	const op = "stream_next"
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, errorskg.New(errorskg.KindCancelled, op, errorskg.ErrCancelled)
		}
		if s.ends > 0 {
			s.ends--
			s.mu.Unlock()
			return nil, ErrEndOfStream
		}
		if !s.active {
			s.mu.Unlock()
			return nil, ErrEndOfStream
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case it := <-s.out:
			if it.err != nil {
				return nil, it.err
			}
			return it.msg, nil
		case <-changed:
		case <-s.ctx.Done():
			return nil, errorskg.New(errorskg.KindCancelled, op, errorskg.ErrCancelled)
		case <-ctx.Done():
			return nil, errorskg.New(errorskg.KindCancelled, op, fmt.Errorf("%w: %v", errorskg.ErrCancelled, ctx.Err()))
		}
	}
}

// SubmitToolResult hands a result for the outstanding tool call to the drive
// loop. It may race with a blocked Next.
func (s *Stream) SubmitToolResult(id, raw string) error {
	result, err := message.ParseToolResult(id, raw)
	if err != nil {
		return errorskg.New(errorskg.KindValidation, "stream_submit_tool_result", err)
	}
	return s.Submit(result)
}

// Submit is SubmitToolResult for a prepared result.
func (s *Stream) Submit(result message.ToolResult) error {
	const op = "stream_submit_tool_result"
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionClosed)
	case s.failed:
		return errorskg.New(errorskg.KindSessionState, op, errorskg.ErrSessionTerminated)
	case s.pending == nil || s.pending.ID != result.ID:
		return errorskg.New(errorskg.KindProtocol, op, fmt.Errorf("%q: %w", result.ID, errorskg.ErrUnknownToolCallID))
	case s.buffered:
		return errorskg.Newf(errorskg.KindSessionState, op, "a result for %q is already buffered", result.ID)
	}
	if result.Name == "" {
		result.Name = s.pending.Name
	}
	s.buffered = true
	s.result <- result
	return nil
}

// History returns the conversation so far.
func (s *Stream) History() []*message.Message {
	s.mu.Lock()
	session, history := s.session, s.history
	s.mu.Unlock()
	if session != nil {
		return session.History()
	}
	return message.CloneMessages(history)
}

// Close stops the drive loop and discards anything not yet delivered. An
// in-flight completion is cancelled but not awaited. Close is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	session := s.session
	s.mu.Unlock()

	s.cancel()
	if session != nil {
		_ = session.Close()
	}
	s.logger.Debug("stream closed")
	return nil
}

func (s *Stream) run() {
	for {
		text, ok := s.dequeue()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if !s.turn(text) {
			return
		}
	}
}

func (s *Stream) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	text := s.queue[0]
	s.queue = s.queue[1:]
	return text, true
}

// turn drives one user message to completion. It reports false when the
// loop must stop.
func (s *Stream) turn(text string) bool {
	s.mu.Lock()
	seed := message.CloneMessages(s.history)
	s.mu.Unlock()

	session := s.factory(seed)
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	res, err := session.Begin(s.ctx, text)
	for {
		if err != nil {
			return s.fail(err)
		}
		switch res.Status {
		case reply.StatusComplete:
			if !s.emit(item{msg: res.Message}) {
				return false
			}
			s.saveHistory(session)
			s.endTurn()
			return true
		case reply.StatusError:
			return s.fail(res.Err)
		}

		call := *res.ToolCall
		s.mu.Lock()
		s.pending = &call
		s.mu.Unlock()

		msg := res.Message
		if msg == nil {
			msg = message.NewToolRequestMessage("", call)
		}
		if !s.emit(item{msg: msg}) {
			return false
		}

		var result message.ToolResult
		select {
		case result = <-s.result:
		case <-s.ctx.Done():
			return false
		}
		s.mu.Lock()
		s.pending, s.buffered = nil, false
		s.mu.Unlock()

		if err = session.Submit(s.ctx, result); err != nil {
			return s.fail(err)
		}
		res, err = session.Step(s.ctx)
	}
}

func (s *Stream) saveHistory(session *reply.Session) {
	history := session.History()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = history
	s.session = nil
}

func (s *Stream) fail(reason error) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.logger.Warn("stream turn failed", "error", reason)
	s.mu.Lock()
	s.failed = true
	s.queue = nil
	s.mu.Unlock()

	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		s.saveHistory(session)
	}

	if s.emit(item{err: fmt.Errorf("%w: %w", ErrFailed, reason)}) {
		s.endTurn()
	}
	return false
}

// endTurn records a finished turn for Next and wakes any waiting caller.
func (s *Stream) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	s.active = !s.failed && len(s.queue) > 0
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Stream) emit(it item) bool {
	select {
	case s.out <- it:
		return true
	case <-s.ctx.Done():
		return false
	}
}
