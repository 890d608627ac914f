package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/picopost/pkg/relay"
)

var base = time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)

// mostRecentFirst mirrors the relay's GetHistory ordering.
func mostRecentFirst(events []relay.SessionEvent) []relay.SessionEvent {
	out := make([]relay.SessionEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

func login(key string, at time.Time) relay.SessionEvent {
	user, session, _ := relay.ParseAddress(key)
	return relay.SessionEvent{Key: key, Kind: relay.EventLogin, User: user, Session: session, At: at}
}

func logout(key string, at time.Time) relay.SessionEvent {
	user, session, _ := relay.ParseAddress(key)
	return relay.SessionEvent{Key: key, Kind: relay.EventLogout, User: user, Session: session, At: at}
}

func TestPair_LoginLogout(t *testing.T) {
	stored := []relay.SessionEvent{
		login("kai:a", base),
		logout("kai:a", base.Add(90*time.Minute)),
	}

	rows := Pair(mostRecentFirst(stored), nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "kai:a", rows[0].Key)
	assert.Empty(t, rows[0].State)
	assert.Equal(t, 90*time.Minute, rows[0].Logout.Sub(rows[0].Login))
}

func TestPair_UnmatchedLoginStillLive(t *testing.T) {
	stored := []relay.SessionEvent{login("kai:a", base)}

	rows := Pair(mostRecentFirst(stored), map[string]bool{"kai:a": true})
	require.Len(t, rows, 1)
	assert.Equal(t, StateActive, rows[0].State)
	assert.True(t, rows[0].Logout.IsZero())
}

func TestPair_UnmatchedLoginGone(t *testing.T) {
	stored := []relay.SessionEvent{login("kai:a", base)}

	rows := Pair(mostRecentFirst(stored), nil)
	require.Len(t, rows, 1)
	assert.Equal(t, StateGone, rows[0].State)
}

func TestPair_LogoutPairsAtMostOnce(t *testing.T) {
	// Two logins, one logout: only the earlier login (whose timestamp is
	// not after the logout) can claim it.
	stored := []relay.SessionEvent{
		login("kai:a", base),
		logout("kai:a", base.Add(30*time.Minute)),
		login("kai:a", base.Add(time.Hour)),
	}

	rows := Pair(mostRecentFirst(stored), nil)
	require.Len(t, rows, 2)

	// Rows are most recent first: the second login is unresolved.
	assert.Equal(t, StateGone, rows[0].State)
	assert.Empty(t, rows[1].State)
	assert.Equal(t, base.Add(30*time.Minute), rows[1].Logout)
}

func TestPair_LogoutBeforeLoginNeverMatches(t *testing.T) {
	stored := []relay.SessionEvent{
		logout("kai:a", base.Add(-time.Hour)),
		login("kai:a", base),
	}

	rows := Pair(mostRecentFirst(stored), nil)
	require.Len(t, rows, 1)
	assert.Equal(t, StateGone, rows[0].State)
}

func TestPair_DifferentKeysDoNotCrossMatch(t *testing.T) {
	stored := []relay.SessionEvent{
		login("kai:a", base),
		logout("kai:b", base.Add(time.Minute)),
	}

	rows := Pair(mostRecentFirst(stored), nil)
	require.Len(t, rows, 1)
	assert.Equal(t, StateGone, rows[0].State)
}

func TestPair_RowsMostRecentFirst(t *testing.T) {
	stored := []relay.SessionEvent{
		login("kai:a", base),
		login("kai:b", base.Add(time.Hour)),
	}

	rows := Pair(mostRecentFirst(stored), nil)
	require.Len(t, rows, 2)
	assert.Equal(t, "kai:b", rows[0].Key)
	assert.Equal(t, "kai:a", rows[1].Key)
}

func TestQuery_PairsAgainstLiveSessions(t *testing.T) {
	r := relay.NewFilesystemRelay(t.TempDir(), 10*time.Minute, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, r.AppendHistory(ctx, login("kai:a", base)))
	require.NoError(t, r.AppendHistory(ctx, logout("kai:a", base.Add(time.Hour))))
	require.NoError(t, r.AppendHistory(ctx, login("kai:b", base.Add(2*time.Hour))))
	require.NoError(t, r.Heartbeat(ctx, "kai:b"))

	rows, err := Query(ctx, r, "kai", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "kai:b", rows[0].Key)
	assert.Equal(t, StateActive, rows[0].State)
	assert.Equal(t, "kai:a", rows[1].Key)
	assert.Empty(t, rows[1].State)
}

func TestFormatTable(t *testing.T) {
	rows := []Row{
		{Key: "kai:a", Label: "refactor", Host: "devbox", Login: base, Logout: base.Add(61 * time.Minute)},
		{Key: "kai:b", Host: "devbox", Login: base, State: StateGone},
	}

	table := FormatTable(rows)
	assert.Contains(t, table, "SESSION")
	assert.Contains(t, table, "kai:a")
	assert.Contains(t, table, "1h01m")
	assert.Contains(t, table, StateGone)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0m", formatDuration(30*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute+29*time.Second))
	assert.Equal(t, "1h01m", formatDuration(61*time.Minute))
	assert.Equal(t, "0m", formatDuration(-time.Minute))
}
