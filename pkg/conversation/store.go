// Package conversation holds the ordered message log shared by the voice
// assistant and the console.
//
// Messages are append-only. Insertion order is display order and also
// defines the history sent to the chat backend. The only field that changes
// after creation is [Message.IsNew], cleared by [Store.MarkSeen] once the
// front end has revealed the message.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Defaults for [Store] tuning.
const (
	DefaultDedupWindow  = 2 * time.Second
	DefaultHistoryLimit = 6
	DefaultMaxTextLen   = 500

	truncationSuffix = "..."
)

// Message is one entry in the conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Retryable marks error messages whose OriginalInput can be resubmitted.
	Retryable bool `json:"retryable"`

	// OriginalInput is the user text whose processing failed. Empty when
	// there is nothing to retry.
	OriginalInput string `json:"original_input,omitempty"`

	// IsNew is set on assistant messages until the front end has shown them.
	IsNew bool `json:"is_new"`
}

// HistoryEntry is the role/text pair sent to the chat backend.
type HistoryEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// MessageOption customises a message created by [Store.Append].
type MessageOption func(*Message)

// Retryable marks an error message as retryable with the given input.
func Retryable(originalInput string) MessageOption {
	return func(m *Message) {
		m.Retryable = true
		m.OriginalInput = originalInput
	}
}

// OriginalInput records the user input an error message refers to without
// making it retryable.
func OriginalInput(input string) MessageOption {
	return func(m *Message) { m.OriginalInput = input }
}

// Fresh sets [Message.IsNew].
func Fresh() MessageOption {
	return func(m *Message) { m.IsNew = true }
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDedupWindow sets how long an identical user message is suppressed.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Store) { s.dedupWindow = d }
}

// Store is a concurrency-safe, append-ordered message log.
type Store struct {
	// order serialises mutation and notification so subscribers observe
	// events in insertion order.
	order sync.Mutex

	mu          sync.RWMutex
	messages    []Message
	now         func() time.Time
	dedupWindow time.Duration

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:         time.Now,
		dedupWindow: DefaultDedupWindow,
		subs:        make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append adds a message and returns it.
func (s *Store) Append(role Role, text string, opts ...MessageOption) Message {
	m := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: s.now(),
	}
	for _, o := range opts {
		o(&m)
	}

	s.order.Lock()
	defer s.order.Unlock()

	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.publish(Event{Kind: EventAppended, Message: m})
	return m
}

// AppendUser adds a user message unless the last message in the log is a user
// message with identical text added less than the dedup window ago. The boolean
// reports whether a message was appended; when false the returned message is
// the existing duplicate.
func (s *Store) AppendUser(text string) (Message, bool) {
	now := s.now()

	s.order.Lock()
	defer s.order.Unlock()

	s.mu.Lock()
	if n := len(s.messages); n > 0 {
		prev := s.messages[n-1]
		if prev.Role == RoleUser && prev.Text == text && now.Sub(prev.Timestamp) < s.dedupWindow {
			s.mu.Unlock()
			return prev, false
		}
	}
	m := Message{ID: uuid.NewString(), Role: RoleUser, Text: text, Timestamp: now}
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.publish(Event{Kind: EventAppended, Message: m})
	return m, true
}

// Messages returns a copy of all messages in insertion order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent message, if any.
func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Get returns the message with the given ID.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// MarkSeen clears IsNew on the message with the given ID. It reports whether
// the message exists.
func (s *Store) MarkSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].IsNew = false
			return true
		}
	}
	return false
}

// Clear removes all messages.
func (s *Store) Clear() {
	s.order.Lock()
	defer s.order.Unlock()

	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	s.publish(Event{Kind: EventCleared})
}

// History returns the last limit non-error messages as chat history, with
// each text longer than maxLen runes cut to maxLen and suffixed with "...".
// A non-positive maxLen disables truncation.
func (s *Store) History(limit, maxLen int) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return buildHistory(s.messages, limit, maxLen)
}

func buildHistory(msgs []Message, limit, maxLen int) []HistoryEntry {
	var out []HistoryEntry
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := msgs[i]
		if m.Role == RoleError {
			continue
		}
		out = append(out, HistoryEntry{Role: m.Role, Text: Truncate(m.Text, maxLen)})
	}
	// Collected newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Truncate cuts text to maxLen runes and appends "..." when it was longer.
func Truncate(text string, maxLen int) string {
	if maxLen <= 0 {
		return text
	}
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen]) + truncationSuffix
}
