package llm

import (
	"context"
	"fmt"
)

// Conversation is an ordered chat history owned by one caller. It is not
// safe for concurrent use; each traversal creates its own.
type Conversation struct {
	messages    []Message
	maxMessages int
}

// NewConversation starts a history with an optional system instruction.
// maxMessages bounds the history sent to the model; zero means unbounded.
// The system message is never dropped.
func NewConversation(system string, maxMessages int) *Conversation {
	c := &Conversation{maxMessages: maxMessages}
	if system != "" {
		c.messages = append(c.messages, Message{Role: RoleSystem, Content: system})
	}
	return c
}

// Append adds a turn, trimming the oldest non-system turns past the limit.
func (c *Conversation) Append(role, content string) {
	c.messages = append(c.messages, Message{Role: role, Content: content})
	c.trim()
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len is the number of retained turns.
func (c *Conversation) Len() int { return len(c.messages) }

// Last returns the most recent turn.
func (c *Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

func (c *Conversation) trim() {
	if c.maxMessages <= 0 || len(c.messages) <= c.maxMessages {
		return
	}
	keep := 0
	if c.messages[0].Role == RoleSystem {
		keep = 1
	}
	drop := len(c.messages) - c.maxMessages
	if drop > len(c.messages)-keep-1 {
		drop = len(c.messages) - keep - 1
	}
	if drop <= 0 {
		return
	}
	c.messages = append(c.messages[:keep], c.messages[keep+drop:]...)
}

// Aggregate appends userText as a user turn, sends the whole history and
// appends the reply as an assistant turn. On error the user turn stays and
// no assistant turn is added.
func Aggregate(ctx context.Context, client Client, conv *Conversation, userText string) (string, error) {
	conv.Append(RoleUser, userText)
	reply, err := client.Complete(ctx, conv.Messages())
	if err != nil {
		return "", fmt.Errorf("aggregate: %w", err)
	}
	conv.Append(RoleAssistant, reply)
	return reply, nil
}
