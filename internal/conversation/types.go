package conversation

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samsaffron/chatty/internal/llm"
)

var ErrNotFound = errors.New("conversation not found")

// Status represents how the last response of a conversation ended.
type Status string

const (
	StatusActive      Status = "active"      // A response is streaming
	StatusComplete    Status = "complete"    // Last response finished normally
	StatusError       Status = "error"       // Last response ended with an error
	StatusInterrupted Status = "interrupted" // Last response was stopped by the user
)

// Conversation is a chat thread stored in the database.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"` // First user message, shortened
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Cost         float64   `json:"cost,omitempty"` // Estimated USD
	Status       Status    `json:"status,omitempty"`
}

// Message is one stored turn. Parts keep the full llm.Message content so
// tool calls and results survive a reload.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           llm.Role        `json:"role"`
	Parts          []llm.Part      `json:"parts"`
	TextContent    string          `json:"text_content"` // Extracted text for display and filtering
	Trace          json.RawMessage `json:"trace,omitempty"`
	InputTokens    int             `json:"input_tokens,omitempty"`
	OutputTokens   int             `json:"output_tokens,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Sequence       int             `json:"sequence"`
}

// Summary is a lightweight view of a conversation for listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	Cost         float64   `json:"cost,omitempty"`
	Status       Status    `json:"status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Status Status // Filter by status
	Limit  int    // Max results (0 = use default)
	Offset int
}

// NewID returns a fresh conversation id.
func NewID() string {
	return uuid.NewString()
}

// NewMessage wraps msg for storage. The sequence is allocated on insert.
func NewMessage(conversationID string, msg llm.Message) *Message {
	m := &Message{
		ConversationID: conversationID,
		Role:           msg.Role,
		Parts:          msg.Parts,
		CreatedAt:      time.Now(),
		Sequence:       -1,
	}
	m.TextContent = m.ExtractTextContent()
	return m
}

// ExtractTextContent concatenates all text parts of the message.
func (m *Message) ExtractTextContent() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Type == llm.PartText && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToLLMMessage converts a Message back to an llm.Message.
func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{Role: m.Role, Parts: m.Parts}
}

// PartsJSON returns the Parts field serialized for database storage.
func (m *Message) PartsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPartsFromJSON deserializes Parts from database storage.
func (m *Message) SetPartsFromJSON(data string) error {
	return json.Unmarshal([]byte(data), &m.Parts)
}

// TitleFrom derives a conversation title from the first user message.
func TitleFrom(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if r := []rune(title); len(r) > 80 {
		title = string(r[:77]) + "..."
	}
	return title
}
