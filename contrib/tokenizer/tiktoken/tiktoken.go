package tiktoken

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/sweetpotato0/agentstep/message"
)

// DefaultEncoding is used when a model has no known encoding.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates the role and separator tokens chat models
// add around each message.
const perMessageOverhead = 4

type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer resolves name as a model first and as an encoding
// second.
func NewTiktokenTokenizer(name string) (*Tokenizer, error) {
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		// try by name
		enc, err = tiktoken.GetEncoding(name)
		if err != nil {
			return nil, err
		}
	}
	return &Tokenizer{enc: enc}, nil
}

func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.Encode(text))
}

// CountMessages estimates the prompt size of a conversation, including tool
// requests and tool responses.
func (t *Tokenizer) CountMessages(msgs []*message.Message) int {
	total := 0
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		total += perMessageOverhead
		for _, c := range msg.Content {
			switch c.Type {
			case message.ContentText:
				total += t.CountTokens(c.Text)
			case message.ContentToolRequest:
				if c.ToolCall != nil {
					total += t.CountTokens(c.ToolCall.Name) + t.CountTokens(c.ToolCall.ArgumentsJSON())
				}
			case message.ContentToolResponse:
				if c.ToolResult != nil {
					total += t.CountTokens(c.ToolResult.Output)
				}
			}
		}
	}
	return total
}

func (t *Tokenizer) DecodeIds(ids []int) string {
	return t.enc.Decode(ids)
}
