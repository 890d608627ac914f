package relay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) *FilesystemRelay {
	t.Helper()
	return NewFilesystemRelay(t.TempDir(), 10*time.Minute, zerolog.Nop())
}

func TestFilesystemRelay_DeliverFetchRoundtrip(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	sent := NewMessage("kai", "eric", "PR ready")
	require.NoError(t, r.Deliver(ctx, sent))

	got, err := r.Fetch(ctx, "eric")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, "kai", got[0].From)
	assert.Equal(t, "eric", got[0].To)
	assert.Equal(t, "PR ready", got[0].Body)
	assert.True(t, sent.CreatedAt.Equal(got[0].CreatedAt))

	// Consume-once: the same mailbox is now empty.
	again, err := r.Fetch(ctx, "eric")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFilesystemRelay_FetchIsFIFO(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		require.NoError(t, r.Deliver(ctx, NewMessage("kai", "eric", body)))
	}

	got, err := r.Fetch(ctx, "eric")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "first", got[0].Body)
	assert.Equal(t, "second", got[1].Body)
	assert.Equal(t, "third", got[2].Body)
}

func TestFilesystemRelay_BroadcastFirstReaderWins(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, "kai:a"))
	require.NoError(t, r.Heartbeat(ctx, "kai:b"))
	require.NoError(t, r.Deliver(ctx, NewMessage("eric", "kai", "standup?")))

	fromA, err := FetchInbox(ctx, r, "kai", "a")
	require.NoError(t, err)
	require.Len(t, fromA, 1)

	fromB, err := FetchInbox(ctx, r, "kai", "b")
	require.NoError(t, err)
	assert.Empty(t, fromB)
}

func TestFilesystemRelay_TargetedMailboxesAreIsolated(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, NewMessage("eric", "kai:a", "for a only")))

	fromB, err := r.Fetch(ctx, "kai:b")
	require.NoError(t, err)
	assert.Empty(t, fromB)

	fromA, err := r.Fetch(ctx, "kai:a")
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.Equal(t, "for a only", fromA[0].Body)
}

func TestFilesystemRelay_InboxMergesTargetedAndBroadcast(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, NewMessage("eric", "kai:a", "targeted")))
	require.NoError(t, r.Deliver(ctx, NewMessage("eric", "kai", "broadcast")))

	msgs, err := FetchInbox(ctx, r, "kai", "a")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	bodies := []string{msgs[0].Body, msgs[1].Body}
	assert.Contains(t, bodies, "targeted")
	assert.Contains(t, bodies, "broadcast")
}

func TestFilesystemRelay_UnreadSummaryIsNonDestructive(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, NewMessage("kai", "eric", "one")))
	require.NoError(t, r.Deliver(ctx, NewMessage("ana", "eric", "two")))

	summary, err := r.UnreadSummary(ctx, "eric")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
	assert.Contains(t, summary.Preview, "@kai about one")

	// Peek must not shrink a subsequent fetch.
	got, err := r.Fetch(ctx, "eric")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(got), summary.Count)
}

func TestFilesystemRelay_MarkRead(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	first := NewMessage("kai", "eric", "one")
	second := NewMessage("kai", "eric", "two")
	require.NoError(t, r.Deliver(ctx, first))
	require.NoError(t, r.Deliver(ctx, second))

	require.NoError(t, r.MarkRead(ctx, "eric", []string{first.ID}))

	summary, err := r.UnreadSummary(ctx, "eric")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)

	got, err := r.Fetch(ctx, "eric")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)
}

func TestFilesystemRelay_RejectsReservedAddressesBeforeIO(t *testing.T) {
	r := NewFilesystemRelay(filepath.Join(t.TempDir(), "never-created"), 10*time.Minute, zerolog.Nop())
	ctx := context.Background()

	for _, addr := range []string{"k.ai", "k*i", "k>i", "k/i", "k\\i", "..", "kai:ed.itor"} {
		err := r.Deliver(ctx, NewMessage("kai", addr, "body"))
		assert.ErrorIs(t, err, ErrInvalidAddress, "address %q", addr)

		_, err = r.Fetch(ctx, addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, "address %q", addr)
	}

	// Nothing was written anywhere.
	_, err := os.Stat(r.root)
	assert.True(t, os.IsNotExist(err))
}

func TestFilesystemRelay_DeliverRejectsEmptyBody(t *testing.T) {
	r := newTestRelay(t)
	err := r.Deliver(context.Background(), NewMessage("kai", "eric", ""))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestFilesystemRelay_CorruptRecordsAreSkipped(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Deliver(ctx, NewMessage("kai", "eric", "good")))

	// Corrupt line wedged between two good records.
	path := r.mailboxPath("eric")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, r.Deliver(ctx, NewMessage("kai", "eric", "also good")))

	got, err := r.Fetch(ctx, "eric")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "good", got[0].Body)
	assert.Equal(t, "also good", got[1].Body)
}

func TestFilesystemRelay_SessionLifecycle(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	s := Session{
		User: "kai", Session: "editor", Label: "refactor",
		Host: "devbox", Dir: "/src", AcceptsMessages: true,
		LastActive: time.Now().UTC(),
	}
	require.NoError(t, r.UpdateSession(ctx, s))

	got, err := r.GetSession(ctx, "kai:editor")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "refactor", got.Label)

	all, err := r.GetSessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	forUser, err := r.GetSessionsForUser(ctx, "kai")
	require.NoError(t, err)
	assert.Len(t, forUser, 1)
	forOther, err := r.GetSessionsForUser(ctx, "eric")
	require.NoError(t, err)
	assert.Empty(t, forOther)

	require.NoError(t, r.DeleteSession(ctx, "kai:editor"))
	got, err = r.GetSession(ctx, "kai:editor")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent session succeeds.
	assert.NoError(t, r.DeleteSession(ctx, "kai:editor"))
}

func TestFilesystemRelay_HeartbeatCreatesThenRefreshes(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, "kai:editor"))
	created, err := r.GetSession(ctx, "kai:editor")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.True(t, created.AcceptsMessages)

	// A later heartbeat refreshes last-active but keeps the snapshot.
	created.Label = "deep in a refactor"
	require.NoError(t, r.UpdateSession(ctx, *created))
	require.NoError(t, r.Heartbeat(ctx, "kai:editor"))

	refreshed, err := r.GetSession(ctx, "kai:editor")
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, "deep in a refactor", refreshed.Label)
	assert.False(t, refreshed.LastActive.Before(created.LastActive))
}

func TestFilesystemRelay_StaleSessionsAreAbsent(t *testing.T) {
	r := NewFilesystemRelay(t.TempDir(), 50*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, "kai:editor"))
	time.Sleep(80 * time.Millisecond)

	got, err := r.GetSession(ctx, "kai:editor")
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := r.GetSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFilesystemRelay_HistoryAppendAndQuery(t *testing.T) {
	r := newTestRelay(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	events := []SessionEvent{
		{Key: "kai:a", Kind: EventLogin, User: "kai", Session: "a", At: base},
		{Key: "kai:a", Kind: EventLogout, User: "kai", Session: "a", At: base.Add(time.Hour)},
		{Key: "eric:x", Kind: EventLogin, User: "eric", Session: "x", At: base.Add(2 * time.Hour)},
	}
	for _, ev := range events {
		require.NoError(t, r.AppendHistory(ctx, ev))
	}

	all, err := r.GetHistory(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "eric:x", all[0].Key) // most recent first

	kaiOnly, err := r.GetHistory(ctx, "kai", 10)
	require.NoError(t, err)
	require.Len(t, kaiOnly, 2)

	limited, err := r.GetHistory(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "eric:x", limited[0].Key)
}

func TestFilesystemRelay_CloseIsIdempotent(t *testing.T) {
	r := newTestRelay(t)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
