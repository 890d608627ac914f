package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one mail record addressed to a mailbox. Records are immutable
// after delivery; the Read flag is only meaningful on the filesystem backend,
// where fetched messages are retained in place instead of consumed.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read,omitempty"`
}

// NewMessage builds a Message with a fresh id and a UTC creation timestamp.
func NewMessage(from, to, body string) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// Session is a presence snapshot for one running session of a user.
// Snapshots are replaced wholesale on update, never patched field by field.
type Session struct {
	User            string    `json:"user"`
	Session         string    `json:"session"`
	Label           string    `json:"label,omitempty"`
	Host            string    `json:"host,omitempty"`
	Dir             string    `json:"dir,omitempty"`
	Plan            string    `json:"plan,omitempty"`
	AcceptsMessages bool      `json:"accepts_messages"`
	LastActive      time.Time `json:"last_active"`
}

// Key returns the presence key, "user:session".
func (s Session) Key() string {
	return s.User + AddressSeparator + s.Session
}

// SessionEvent kinds recorded in the history log.
const (
	EventLogin  = "login"
	EventLogout = "logout"
)

// SessionEvent is one append-only login/logout audit record. It carries a
// full snapshot of the identifying fields so history stays readable after
// the session record itself is gone.
type SessionEvent struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	User    string    `json:"user"`
	Session string    `json:"session"`
	Label   string    `json:"label,omitempty"`
	Host    string    `json:"host,omitempty"`
	Dir     string    `json:"dir,omitempty"`
	Plan    string    `json:"plan,omitempty"`
	At      time.Time `json:"at"`
}

// LoginEvent snapshots a session into a login history record.
func LoginEvent(s Session, at time.Time) SessionEvent {
	return sessionEvent(s, EventLogin, at)
}

// LogoutEvent snapshots a session into a logout history record.
func LogoutEvent(s Session, at time.Time) SessionEvent {
	return sessionEvent(s, EventLogout, at)
}

func sessionEvent(s Session, kind string, at time.Time) SessionEvent {
	return SessionEvent{
		Key:     s.Key(),
		Kind:    kind,
		User:    s.User,
		Session: s.Session,
		Label:   s.Label,
		Host:    s.Host,
		Dir:     s.Dir,
		Plan:    s.Plan,
		At:      at.UTC(),
	}
}

// UnreadSummary is a non-destructive projection of a mailbox: how many
// messages are pending plus a short human preview.
type UnreadSummary struct {
	Count   int    `json:"count"`
	Preview string `json:"preview,omitempty"`
}

const (
	previewMessages  = 3
	previewBodyRunes = 40
	previewMaxRunes  = 120
)

// buildSummary turns the pending messages of one mailbox into an
// UnreadSummary. At most previewMessages contribute to the preview, each as
// "@sender about <truncated body>"; the joined preview is hard-capped at
// previewMaxRunes.
func buildSummary(pending []Message) UnreadSummary {
	summary := UnreadSummary{Count: len(pending)}
	if len(pending) == 0 {
		return summary
	}

	n := len(pending)
	if n > previewMessages {
		n = previewMessages
	}
	parts := make([]string, 0, n)
	for _, msg := range pending[:n] {
		body := strings.Join(strings.Fields(msg.Body), " ")
		parts = append(parts, "@"+msg.From+" about "+truncateRunes(body, previewBodyRunes))
	}
	summary.Preview = truncateRunes(strings.Join(parts, "; "), previewMaxRunes)
	return summary
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
