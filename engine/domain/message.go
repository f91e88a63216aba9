package domain

import "strconv"

// Role tags a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the transcript the chat client resends every turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ValidateMessages requires a non-empty transcript of user/assistant messages.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return NewValidationError("messages", "", ErrNoMessages)
	}
	for i, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return NewValidationError("messages["+strconv.Itoa(i)+"].role", string(m.Role), ErrInvalidRole)
		}
	}
	return nil
}

// LastUserMessage returns the content of the most recent user message.
func LastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
