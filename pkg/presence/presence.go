// Package presence keeps one session's liveness fresh and reclaims the
// liveness state of sessions that died without saying goodbye.
//
// Three cooperating pieces: a heartbeat loop that refreshes this session's
// record on a fixed interval; a sentinel writer that is the only work
// allowed on the signal path (one small file write, nothing networked); and
// a reaper loop that every running process uses to perform the deferred,
// possibly slow session deletes named by sentinels.
package presence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/picopost/pkg/relay"
)

type Manager struct {
	relay       relay.Relay
	session     relay.Session
	sentinelDir string
	heartbeat   time.Duration
	reap        time.Duration
	log         zerolog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

func NewManager(r relay.Relay, session relay.Session, sentinelDir string, heartbeat, reap time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		relay:       r,
		session:     session,
		sentinelDir: sentinelDir,
		heartbeat:   heartbeat,
		reap:        reap,
		log:         log.With().Str("component", "presence").Logger(),
	}
}

// Start registers the session, appends a login event, and launches the
// heartbeat and reaper loops.
func (m *Manager) Start(ctx context.Context) error {
	now := time.Now().UTC()
	m.session.LastActive = now
	if err := m.relay.UpdateSession(ctx, m.session); err != nil {
		return err
	}
	if err := m.relay.AppendHistory(ctx, relay.LoginEvent(m.session, now)); err != nil {
		return err
	}
	if err := os.MkdirAll(m.sentinelDir, 0o755); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true

	m.wg.Add(2)
	go m.heartbeatLoop(loopCtx)
	go m.reaperLoop(loopCtx)
	return nil
}

// Stop is the normal (non-signaled) shutdown path: it cancels the loops,
// waits for them, deletes this session directly and records the logout. The
// sentinel mechanism is not involved.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if !m.started {
			return
		}
		m.cancel()
		m.wg.Wait()
		if derr := m.relay.DeleteSession(ctx, m.session.Key()); derr != nil {
			err = derr
			return
		}
		err = m.relay.AppendHistory(ctx, relay.LogoutEvent(m.session, time.Now().UTC()))
	})
	return err
}

// Halt cancels the heartbeat and reaper loops and waits for them, without
// touching the session record. The signaled shutdown path uses it after
// writing a sentinel: the delete belongs to a reaper, and a heartbeat firing
// after the sentinel would resurrect the session it names.
func (m *Manager) Halt() {
	if !m.started {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// RequestRemoval is the signaled shutdown path. The only work performed is
// one small synchronous file write; the actual (possibly networked) session
// delete is picked up later by whichever process's reaper scans next.
func (m *Manager) RequestRemoval() error {
	return WriteSentinel(m.sentinelDir, m.session.Key())
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.relay.Heartbeat(ctx, m.session.Key()); err != nil {
				m.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (m *Manager) reaperLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ReapOnce(ctx, m.relay, m.sentinelDir, m.log)
		}
	}
}

// WriteSentinel records one pending session removal. The file is named by
// the session key so repeat signals collapse into a single sentinel.
func WriteSentinel(dir, key string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, key), []byte(key+"\n"), 0o600)
}

// ReapOnce performs one scan of the sentinel directory. Each sentinel names
// a session to delete; on success the sentinel is removed, on failure it is
// left for a later pass. One failing sentinel never blocks the others.
func ReapOnce(ctx context.Context, r relay.Relay, dir string, log zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("reading sentinel directory")
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := entry.Name()
		if err := reapOne(ctx, r, key); err != nil {
			log.Warn().Err(err).Str("session", key).Msg("reap failed, leaving sentinel")
			continue
		}
		if err := os.Remove(filepath.Join(dir, key)); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("session", key).Msg("removing sentinel")
			continue
		}
		log.Info().Str("session", key).Msg("reaped session")
	}
}

func reapOne(ctx context.Context, r relay.Relay, key string) error {
	// Snapshot the session before it goes, so the logout event carries
	// its identifying fields when they are still available.
	s, err := r.GetSession(ctx, key)
	if err != nil {
		return err
	}
	if err := r.DeleteSession(ctx, key); err != nil {
		return err
	}
	var event relay.SessionEvent
	if s != nil {
		event = relay.LogoutEvent(*s, time.Now().UTC())
	} else {
		user, session, perr := relay.ParseAddress(key)
		if perr != nil {
			return perr
		}
		event = relay.LogoutEvent(relay.Session{User: user, Session: session}, time.Now().UTC())
	}
	return r.AppendHistory(ctx, event)
}
