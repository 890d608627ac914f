package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FilesystemRelay keeps every mailbox in one append-only JSONL file and all
// presence in one shared JSON map, under a single root directory. Writes go
// through a temp file plus atomic rename, so a reader never sees a partial
// file. Concurrent writers racing on the same file can still lose one
// update (last-writer-wins); this backend targets single-writer-per-mailbox
// usage and does not lock.
type FilesystemRelay struct {
	root   string
	window time.Duration
	log    zerolog.Logger
}

func NewFilesystemRelay(root string, window time.Duration, log zerolog.Logger) *FilesystemRelay {
	return &FilesystemRelay{root: root, window: window, log: log.With().Str("relay", "fs").Logger()}
}

func (r *FilesystemRelay) mailboxPath(address string) string {
	return filepath.Join(r.root, "mailboxes", address+".jsonl")
}

func (r *FilesystemRelay) sessionsPath() string {
	return filepath.Join(r.root, "sessions.json")
}

func (r *FilesystemRelay) historyPath() string {
	return filepath.Join(r.root, "history.jsonl")
}

func (r *FilesystemRelay) Deliver(ctx context.Context, msg Message) error {
	if err := ValidateName(msg.From); err != nil {
		return err
	}
	user, session, err := ValidateAddress(msg.To)
	if err != nil {
		return err
	}
	if msg.Body == "" {
		return fmt.Errorf("%w: empty message body", ErrInvalidAddress)
	}
	return r.appendLine(r.mailboxPath(JoinAddress(user, session)), msg)
}

func (r *FilesystemRelay) Fetch(ctx context.Context, address string) ([]Message, error) {
	user, session, err := ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	path := r.mailboxPath(JoinAddress(user, session))

	all, err := r.readMailbox(path)
	if err != nil {
		return nil, err
	}

	var pending []Message
	for i := range all {
		if !all[i].Read {
			pending = append(pending, all[i])
			all[i].Read = true
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if err := r.rewriteMailbox(path, all); err != nil {
		return nil, err
	}
	return pending, nil
}

func (r *FilesystemRelay) MarkRead(ctx context.Context, address string, ids []string) error {
	user, session, err := ValidateAddress(address)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	path := r.mailboxPath(JoinAddress(user, session))

	all, err := r.readMailbox(path)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	changed := false
	for i := range all {
		if want[all[i].ID] && !all[i].Read {
			all[i].Read = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.rewriteMailbox(path, all)
}

func (r *FilesystemRelay) UnreadSummary(ctx context.Context, address string) (UnreadSummary, error) {
	user, session, err := ValidateAddress(address)
	if err != nil {
		return UnreadSummary{}, err
	}

	all, err := r.readMailbox(r.mailboxPath(JoinAddress(user, session)))
	if err != nil {
		return UnreadSummary{}, err
	}
	var pending []Message
	for _, msg := range all {
		if !msg.Read {
			pending = append(pending, msg)
		}
	}
	return buildSummary(pending), nil
}

func (r *FilesystemRelay) UpdateSession(ctx context.Context, session Session) error {
	if err := ValidateName(session.User); err != nil {
		return err
	}
	if err := ValidateName(session.Session); err != nil {
		return err
	}
	sessions, err := r.readSessions()
	if err != nil {
		return err
	}
	sessions[session.Key()] = session
	return r.writeSessions(sessions)
}

func (r *FilesystemRelay) GetSession(ctx context.Context, key string) (*Session, error) {
	sessions, err := r.readSessions()
	if err != nil {
		return nil, err
	}
	s, ok := sessions[key]
	if !ok || r.stale(s) {
		return nil, nil
	}
	return &s, nil
}

func (r *FilesystemRelay) GetSessions(ctx context.Context) ([]Session, error) {
	sessions, err := r.readSessions()
	if err != nil {
		return nil, err
	}
	live := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		if !r.stale(s) {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Key() < live[j].Key() })
	return live, nil
}

func (r *FilesystemRelay) GetSessionsForUser(ctx context.Context, user string) ([]Session, error) {
	all, err := r.GetSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range all {
		if s.User == user {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *FilesystemRelay) Heartbeat(ctx context.Context, key string) error {
	user, session, err := ValidateAddress(key)
	if err != nil {
		return err
	}
	if session == "" {
		return fmt.Errorf("%w: session key %q has no session component", ErrInvalidAddress, key)
	}

	sessions, err := r.readSessions()
	if err != nil {
		return err
	}
	s, ok := sessions[key]
	if !ok {
		s = Session{User: user, Session: session, AcceptsMessages: true}
	}
	s.LastActive = time.Now().UTC()
	sessions[key] = s
	return r.writeSessions(sessions)
}

func (r *FilesystemRelay) DeleteSession(ctx context.Context, key string) error {
	sessions, err := r.readSessions()
	if err != nil {
		return err
	}
	if _, ok := sessions[key]; !ok {
		return nil
	}
	delete(sessions, key)
	return r.writeSessions(sessions)
}

func (r *FilesystemRelay) AppendHistory(ctx context.Context, event SessionEvent) error {
	return r.appendLine(r.historyPath(), event)
}

func (r *FilesystemRelay) GetHistory(ctx context.Context, user string, limit int) ([]SessionEvent, error) {
	f, err := os.Open(r.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer f.Close()

	var events []SessionEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev SessionEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			r.log.Warn().Err(err).Msg("skipping corrupt history record")
			continue
		}
		if user != "" && ev.User != user {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Stored order is oldest first; callers get most recent first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *FilesystemRelay) Close() error {
	return nil
}

func (r *FilesystemRelay) stale(s Session) bool {
	return time.Since(s.LastActive) > r.window
}

func (r *FilesystemRelay) appendLine(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *FilesystemRelay) readMailbox(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			r.log.Warn().Err(err).Str("mailbox", path).Msg("skipping corrupt message record")
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return msgs, nil
}

func (r *FilesystemRelay) rewriteMailbox(path string, msgs []Message) error {
	var buf strings.Builder
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return r.atomicWrite(path, []byte(buf.String()))
}

func (r *FilesystemRelay) readSessions() (map[string]Session, error) {
	data, err := os.ReadFile(r.sessionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	sessions := map[string]Session{}
	if len(data) == 0 {
		return sessions, nil
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		r.log.Warn().Err(err).Msg("presence file corrupt, starting from empty")
		return map[string]Session{}, nil
	}
	return sessions, nil
}

func (r *FilesystemRelay) writeSessions(sessions map[string]Session) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	return r.atomicWrite(r.sessionsPath(), data)
}

// atomicWrite replaces path with data via a temp file in the same directory
// and a rename, so readers never observe a partial file.
func (r *FilesystemRelay) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
