// Package messaging defines the outbound message delivery abstraction.
//
// The actual chat transport (long polling, webhooks, keyboard wire format) is
// an external collaborator; the bot only depends on this minimal contract.
package messaging

import "context"

// Button is one tappable keyboard option. Data is the callback payload
// delivered back to the bot when the button is pressed. RequestContact marks
// a button that asks the platform to share the user's phone number.
type Button struct {
	Label          string `json:"label"`
	Data           string `json:"data,omitempty"`
	RequestContact bool   `json:"request_contact,omitempty"`
}

// Keyboard is rendered as rows of buttons under a message.
type Keyboard [][]Button

// Row builds a single keyboard row.
func Row(buttons ...Button) []Button { return buttons }

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// SendText sends a message with an optional keyboard to a chat.
	SendText(ctx context.Context, chatID, text string, keyboard Keyboard) error

	// EditText replaces the text and keyboard of a previously sent message.
	EditText(ctx context.Context, chatID, messageID, text string, keyboard Keyboard) error

	// AnswerCallback acknowledges a button press, optionally with an alert text.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
