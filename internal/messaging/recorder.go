package messaging

import (
	"context"
	"sync"
)

// SentMessage is one outbound message captured by the Recorder.
type SentMessage struct {
	ChatID   string
	Text     string
	Keyboard Keyboard
}

// Recorder is a Service implementation that records every outbound message.
// Tests use it to assert on prompts; it also backs dry-run operation.
type Recorder struct {
	mu       sync.Mutex
	messages []SentMessage
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// SendText records the message.
func (r *Recorder) SendText(ctx context.Context, chatID, text string, keyboard Keyboard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, SentMessage{ChatID: chatID, Text: text, Keyboard: keyboard})
	return nil
}

// EditText records the edit as a regular message.
func (r *Recorder) EditText(ctx context.Context, chatID, messageID, text string, keyboard Keyboard) error {
	return r.SendText(ctx, chatID, text, keyboard)
}

// AnswerCallback is a no-op.
func (r *Recorder) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SentMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Last returns the most recent message, or nil if none were sent.
func (r *Recorder) Last() *SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return nil
	}
	m := r.messages[len(r.messages)-1]
	return &m
}

// Reset clears the recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
