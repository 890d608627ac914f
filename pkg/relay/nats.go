package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSOptions configures the broker-backed relay.
type NATSOptions struct {
	URL        string
	Token      string
	Namespace  string
	SessionTTL time.Duration
}

// NATSRelay implements Relay over JetStream: a work-queue retention stream
// for mailboxes (ack consumes, nak redelivers), a TTL key-value bucket for
// sessions, and a limits-retention stream for the history log. All
// infrastructure is provisioned lazily and idempotently on first use; the
// connection is cached across calls and re-established when closed.
type NATSRelay struct {
	opts NATSOptions
	log  zerolog.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue
	subs   map[string]*nats.Subscription
	closed bool
}

const (
	fetchBatch  = 64
	fetchWait   = 2 * time.Second
	historyWait = 500 * time.Millisecond
)

func NewNATSRelay(opts NATSOptions, log zerolog.Logger) *NATSRelay {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return &NATSRelay{
		opts: opts,
		log:  log.With().Str("relay", "nats").Logger(),
		subs: make(map[string]*nats.Subscription),
	}
}

func (r *NATSRelay) mailStream() string {
	return "PICOPOST_" + strings.ToUpper(r.opts.Namespace) + "_MAIL"
}

func (r *NATSRelay) historyStream() string {
	return "PICOPOST_" + strings.ToUpper(r.opts.Namespace) + "_HISTORY"
}

func (r *NATSRelay) sessionBucket() string {
	return "picopost_" + r.opts.Namespace + "_sessions"
}

// mailSubject maps a validated mailbox address onto the stream's subject
// hierarchy: picopost.<ns>.mail.<user>[.<session>].
func (r *NATSRelay) mailSubject(user, session string) string {
	subj := "picopost." + r.opts.Namespace + ".mail." + user
	if session != "" {
		subj += "." + session
	}
	return subj
}

func (r *NATSRelay) mailWildcard() string {
	return "picopost." + r.opts.Namespace + ".mail.>"
}

func (r *NATSRelay) historySubject() string {
	return "picopost." + r.opts.Namespace + ".history"
}

// durableName derives the per-mailbox consumer name. Consumer names cannot
// contain the subject hierarchy characters, and the mapping must be
// injective: dashes are legal inside both components, so a plain join would
// let broadcast "kai-editor" and targeted "kai:editor" share one durable,
// wedging whichever mailbox binds second. The user length prefix pins the
// component boundary instead.
func durableName(user, session string) string {
	if session == "" {
		return fmt.Sprintf("mb-%d-%s", len(user), user)
	}
	return fmt.Sprintf("mb-%d-%s-%s", len(user), user, session)
}

// kvKey maps a session key ("user:session") onto the bucket key space,
// which does not allow colons.
func kvKey(key string) string {
	return strings.ReplaceAll(key, AddressSeparator, ".")
}

// ensure connects and provisions all JetStream infrastructure, reusing the
// cached connection when it is still healthy.
func (r *NATSRelay) ensure() (nats.JetStreamContext, nats.KeyValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nc != nil && !r.nc.IsClosed() {
		return r.js, r.kv, nil
	}

	// Stale state from a previous connection is useless once the
	// connection is gone.
	r.subs = make(map[string]*nats.Subscription)

	var connOpts []nats.Option
	connOpts = append(connOpts, nats.Name("picopost"))
	if r.opts.Token != "" {
		connOpts = append(connOpts, nats.Token(r.opts.Token))
	}
	nc, err := nats.Connect(r.opts.URL, connOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: connecting to %s: %v", ErrBackendUnavailable, r.opts.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := r.ensureStream(js, r.mailStream(), r.mailWildcard(), nats.WorkQueuePolicy); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := r.ensureStream(js, r.historyStream(), r.historySubject(), nats.LimitsPolicy); err != nil {
		nc.Close()
		return nil, nil, err
	}
	kv, err := r.ensureBucket(js)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	r.nc, r.js, r.kv = nc, js, kv
	r.closed = false
	r.log.Debug().Str("url", r.opts.URL).Str("namespace", r.opts.Namespace).Msg("connected to broker")
	return js, kv, nil
}

func (r *NATSRelay) ensureStream(js nats.JetStreamContext, name, subjects string, retention nats.RetentionPolicy) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subjects},
		Retention: retention,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("%w: creating stream %s: %v", ErrBackendUnavailable, name, err)
	}
	return nil
}

// ensureBucket opens the session bucket, creating it when absent. A bucket
// whose TTL no longer matches configuration is deleted and recreated;
// session records are cheap to lose, they come back on the next heartbeat.
func (r *NATSRelay) ensureBucket(js nats.JetStreamContext) (nats.KeyValue, error) {
	kv, err := js.KeyValue(r.sessionBucket())
	if err == nil {
		status, serr := kv.Status()
		if serr == nil && status.TTL() == r.opts.SessionTTL {
			return kv, nil
		}
		r.log.Warn().Str("bucket", r.sessionBucket()).Msg("session bucket TTL mismatch, recreating")
		if derr := js.DeleteKeyValue(r.sessionBucket()); derr != nil {
			return nil, fmt.Errorf("%w: recreating bucket: %v", ErrBackendUnavailable, derr)
		}
	} else if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket: r.sessionBucket(),
		TTL:    r.opts.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating bucket %s: %v", ErrBackendUnavailable, r.sessionBucket(), err)
	}
	return kv, nil
}

// mailboxSub returns the shared durable pull consumer for one address.
// A work-queue stream allows a single consumer per subject, so the preview
// path reuses the same consumer as Fetch and gives messages back with a nak.
func (r *NATSRelay) mailboxSub(js nats.JetStreamContext, user, session string) (*nats.Subscription, error) {
	addr := JoinAddress(user, session)

	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[addr]; ok && sub.IsValid() {
		return sub, nil
	}
	sub, err := js.PullSubscribe(
		r.mailSubject(user, session),
		durableName(user, session),
		nats.BindStream(r.mailStream()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribing to %s: %v", ErrBackendUnavailable, addr, err)
	}
	r.subs[addr] = sub
	return sub, nil
}

func (r *NATSRelay) Deliver(ctx context.Context, msg Message) error {
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

	js, _, err := r.ensure()
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := js.Publish(r.mailSubject(user, session), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", ErrBackendUnavailable, msg.To, err)
	}
	return nil
}

func (r *NATSRelay) Fetch(ctx context.Context, address string) ([]Message, error) {
	user, session, err := ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	js, _, err := r.ensure()
	if err != nil {
		return nil, err
	}
	sub, err := r.mailboxSub(js, user, session)
	if err != nil {
		return nil, err
	}

	raw, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
	if err != nil && !isNoMessages(err) {
		return nil, fmt.Errorf("%w: fetching %s: %v", ErrBackendUnavailable, address, err)
	}

	var msgs []Message
	for _, m := range raw {
		var msg Message
		if uerr := json.Unmarshal(m.Data, &msg); uerr != nil {
			// Acked anyway so a bad record cannot wedge the queue.
			r.log.Warn().Err(uerr).Str("mailbox", address).Msg("skipping corrupt message record")
			_ = m.Ack()
			continue
		}
		if aerr := m.Ack(); aerr != nil {
			return msgs, fmt.Errorf("%w: acking message: %v", ErrBackendUnavailable, aerr)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MarkRead is a no-op: Fetch on this backend already consumes, there is no
// read flag to maintain.
func (r *NATSRelay) MarkRead(ctx context.Context, address string, ids []string) error {
	_, _, err := ValidateAddress(address)
	return err
}

func (r *NATSRelay) UnreadSummary(ctx context.Context, address string) (UnreadSummary, error) {
	user, session, err := ValidateAddress(address)
	if err != nil {
		return UnreadSummary{}, err
	}
	js, _, err := r.ensure()
	if err != nil {
		return UnreadSummary{}, err
	}
	sub, err := r.mailboxSub(js, user, session)
	if err != nil {
		return UnreadSummary{}, err
	}

	info, err := sub.ConsumerInfo()
	if err != nil {
		return UnreadSummary{}, fmt.Errorf("%w: consumer info for %s: %v", ErrBackendUnavailable, address, err)
	}
	count := int(info.NumPending) + info.NumAckPending
	if count == 0 {
		return UnreadSummary{}, nil
	}

	// Peek a handful for the preview and hand every one of them straight
	// back with a nak, so the real consumer still receives them.
	raw, err := sub.Fetch(previewMessages, nats.MaxWait(fetchWait))
	if err != nil && !isNoMessages(err) {
		return UnreadSummary{}, fmt.Errorf("%w: previewing %s: %v", ErrBackendUnavailable, address, err)
	}
	var pending []Message
	for _, m := range raw {
		var msg Message
		if uerr := json.Unmarshal(m.Data, &msg); uerr == nil {
			pending = append(pending, msg)
		}
		_ = m.Nak()
	}

	summary := buildSummary(pending)
	summary.Count = count
	return summary, nil
}

func (r *NATSRelay) UpdateSession(ctx context.Context, session Session) error {
	if err := ValidateName(session.User); err != nil {
		return err
	}
	if err := ValidateName(session.Session); err != nil {
		return err
	}
	_, kv, err := r.ensure()
	if err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	// Put resets the entry's TTL, which is exactly the liveness refresh.
	if _, err := kv.Put(kvKey(session.Key()), data); err != nil {
		return fmt.Errorf("%w: storing session %s: %v", ErrBackendUnavailable, session.Key(), err)
	}
	return nil
}

func (r *NATSRelay) GetSession(ctx context.Context, key string) (*Session, error) {
	_, kv, err := r.ensure()
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(kvKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("skipping corrupt session record")
		return nil, nil
	}
	return &s, nil
}

func (r *NATSRelay) GetSessions(ctx context.Context) ([]Session, error) {
	_, kv, err := r.ensure()
	if err != nil {
		return nil, err
	}
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	sessions := make([]Session, 0, len(keys))
	for _, k := range keys {
		entry, gerr := kv.Get(k)
		if gerr != nil {
			if errors.Is(gerr, nats.ErrKeyNotFound) {
				continue // expired between Keys and Get
			}
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, gerr)
		}
		var s Session
		if uerr := json.Unmarshal(entry.Value(), &s); uerr != nil {
			r.log.Warn().Err(uerr).Str("key", k).Msg("skipping corrupt session record")
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key() < sessions[j].Key() })
	return sessions, nil
}

func (r *NATSRelay) GetSessionsForUser(ctx context.Context, user string) ([]Session, error) {
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

func (r *NATSRelay) Heartbeat(ctx context.Context, key string) error {
	user, session, err := ValidateAddress(key)
	if err != nil {
		return err
	}
	if session == "" {
		return fmt.Errorf("%w: session key %q has no session component", ErrInvalidAddress, key)
	}

	existing, err := r.GetSession(ctx, key)
	if err != nil {
		return err
	}
	s := Session{User: user, Session: session, AcceptsMessages: true}
	if existing != nil {
		s = *existing
	}
	s.LastActive = time.Now().UTC()
	return r.UpdateSession(ctx, s)
}

func (r *NATSRelay) DeleteSession(ctx context.Context, key string) error {
	_, kv, err := r.ensure()
	if err != nil {
		return err
	}
	if err := kv.Delete(kvKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("%w: deleting session %s: %v", ErrBackendUnavailable, key, err)
	}
	return nil
}

func (r *NATSRelay) AppendHistory(ctx context.Context, event SessionEvent) error {
	js, _, err := r.ensure()
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := js.Publish(r.historySubject(), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: appending history: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *NATSRelay) GetHistory(ctx context.Context, user string, limit int) ([]SessionEvent, error) {
	js, _, err := r.ensure()
	if err != nil {
		return nil, err
	}

	// Ephemeral ordered consumer: replays the whole log without consuming
	// it and cleans itself up on unsubscribe.
	sub, err := js.SubscribeSync(r.historySubject(),
		nats.OrderedConsumer(),
		nats.BindStream(r.historyStream()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading history: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// The whole log replays; the limit applies to the most recent end, so
	// trimming can only happen after the read.
	var events []SessionEvent
	for {
		m, nerr := sub.NextMsg(historyWait)
		if nerr != nil {
			break // end of log (or broker gone mid-read; return what we have)
		}
		var ev SessionEvent
		if uerr := json.Unmarshal(m.Data, &ev); uerr != nil {
			r.log.Warn().Err(uerr).Msg("skipping corrupt history record")
			continue
		}
		if user != "" && ev.User != user {
			continue
		}
		events = append(events, ev)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *NATSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.nc != nil {
		r.nc.Close()
		r.nc = nil
		r.js = nil
		r.kv = nil
	}
	r.subs = make(map[string]*nats.Subscription)
	return nil
}

// isNoMessages reports whether a pull fetch error just means the mailbox is
// currently empty.
func isNoMessages(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
