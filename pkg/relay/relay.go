package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/picopost/pkg/config"
)

// Sentinel errors for the relay failure taxonomy. Absence (a missing
// session, an empty mailbox) is never an error; it is represented as nil
// or an empty slice.
var (
	// ErrInvalidAddress marks a malformed address or name, rejected
	// before any I/O.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrBackendUnavailable marks a filesystem or broker failure. The
	// caller decides whether to retry; the relay never retries on its own.
	ErrBackendUnavailable = errors.New("relay backend unavailable")
)

// Relay is the delivery and presence contract shared by both backends.
// Implementations are selected at construction time and never switched at
// runtime. All operations are safe to call from multiple goroutines of one
// process; cross-process consistency relies on backend atomicity only.
type Relay interface {
	// Deliver validates the message and publishes it to its destination
	// mailbox.
	Deliver(ctx context.Context, msg Message) error

	// Fetch returns and consumes all pending messages for the exact
	// address, oldest first. A fetched message is never returned by a
	// later Fetch on the same address.
	Fetch(ctx context.Context, address string) ([]Message, error)

	// MarkRead flags messages as read without removing them. On backends
	// where Fetch already consumes it is a no-op that always succeeds.
	MarkRead(ctx context.Context, address string, ids []string) error

	// UnreadSummary counts pending messages and builds a short preview
	// without removing anything or permanently altering visibility.
	UnreadSummary(ctx context.Context, address string) (UnreadSummary, error)

	// UpdateSession replaces the presence snapshot for the session's key.
	UpdateSession(ctx context.Context, session Session) error

	// GetSession returns the live session for a key, or nil when absent
	// or stale.
	GetSession(ctx context.Context, key string) (*Session, error)

	// GetSessions returns all live sessions.
	GetSessions(ctx context.Context) ([]Session, error)

	// GetSessionsForUser returns all live sessions belonging to one user.
	GetSessionsForUser(ctx context.Context, user string) ([]Session, error)

	// Heartbeat refreshes a session's last-active timestamp, creating a
	// default session when none exists for the key.
	Heartbeat(ctx context.Context, key string) error

	// DeleteSession removes the session record. Deleting an absent
	// session succeeds.
	DeleteSession(ctx context.Context, key string) error

	// AppendHistory appends one login/logout event to the audit log.
	AppendHistory(ctx context.Context, event SessionEvent) error

	// GetHistory returns up to limit events, most recent first,
	// optionally filtered to one user (empty user means all).
	GetHistory(ctx context.Context, user string, limit int) ([]SessionEvent, error)

	// Close releases backend resources. Idempotent.
	Close() error
}

// New constructs the relay backend selected by configuration.
func New(cfg *config.Config, log zerolog.Logger) (Relay, error) {
	switch cfg.Relay.Backend {
	case "", config.BackendFS:
		return NewFilesystemRelay(cfg.RootPath(), cfg.FreshnessWindow(), log), nil
	case config.BackendNATS:
		return NewNATSRelay(NATSOptions{
			URL:        cfg.Relay.NATS.URL,
			Token:      cfg.Relay.NATS.Token,
			Namespace:  cfg.Namespace(),
			SessionTTL: cfg.SessionTTL(),
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown relay backend %q", cfg.Relay.Backend)
	}
}

// FetchInbox reads the merged inbox for one live session: the union of its
// targeted mailbox and the user's broadcast mailbox. Callers must never
// check only the targeted mailbox, or broadcast messages would be silently
// missed. No ordering holds across the two mailboxes; each stays FIFO on
// its own.
func FetchInbox(ctx context.Context, r Relay, user, session string) ([]Message, error) {
	targeted, err := r.Fetch(ctx, JoinAddress(user, session))
	if err != nil {
		return nil, err
	}
	broadcast, err := r.Fetch(ctx, user)
	if err != nil {
		// Targeted messages are already consumed; hand them to the
		// caller rather than dropping them on the floor.
		return targeted, err
	}
	return append(targeted, broadcast...), nil
}

// InboxSummary merges the non-destructive unread summaries of a session's
// targeted mailbox and its user's broadcast mailbox.
func InboxSummary(ctx context.Context, r Relay, user, session string) (UnreadSummary, error) {
	targeted, err := r.UnreadSummary(ctx, JoinAddress(user, session))
	if err != nil {
		return UnreadSummary{}, err
	}
	broadcast, err := r.UnreadSummary(ctx, user)
	if err != nil {
		return UnreadSummary{}, err
	}
	merged := UnreadSummary{Count: targeted.Count + broadcast.Count, Preview: targeted.Preview}
	if broadcast.Preview != "" {
		if merged.Preview != "" {
			merged.Preview = truncateRunes(merged.Preview+"; "+broadcast.Preview, previewMaxRunes)
		} else {
			merged.Preview = broadcast.Preview
		}
	}
	return merged, nil
}
