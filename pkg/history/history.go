// Package history turns the relay's raw login/logout event log into the
// paired, human-readable table shown by the history command.
package history

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tinyland-inc/picopost/pkg/relay"
)

// Row states for logins with no matching logout.
const (
	StateActive = "still logged in"
	StateGone   = "gone"
)

// Row is one rendered history line: a login, optionally paired with the
// logout that ended it.
type Row struct {
	Key    string
	User   string
	Label  string
	Host   string
	Login  time.Time
	Logout time.Time // zero when unpaired
	State  string    // empty when paired
}

// Pair matches login events to logout events. Input events are most recent
// first, as returned by the relay. Each login is paired with the first
// logout (in the log's stored order) for the same session key whose
// timestamp is not before the login's; a logout pairs at most once. A login
// with no logout is "still logged in" when its key is live, otherwise
// "gone" — never a synthetic logout. Rows come back most recent first.
func Pair(events []relay.SessionEvent, live map[string]bool) []Row {
	// Recover stored (oldest-first) order for the matching scan.
	stored := make([]relay.SessionEvent, len(events))
	for i, ev := range events {
		stored[len(events)-1-i] = ev
	}

	used := make([]bool, len(stored))
	var rows []Row
	for i := len(stored) - 1; i >= 0; i-- {
		login := stored[i]
		if login.Kind != relay.EventLogin {
			continue
		}
		row := Row{
			Key:   login.Key,
			User:  login.User,
			Label: login.Label,
			Host:  login.Host,
			Login: login.At,
		}
		matched := false
		for j, logout := range stored {
			if used[j] || logout.Kind != relay.EventLogout || logout.Key != login.Key {
				continue
			}
			if logout.At.Before(login.At) {
				continue
			}
			used[j] = true
			row.Logout = logout.At
			matched = true
			break
		}
		if !matched {
			if live[login.Key] {
				row.State = StateActive
			} else {
				row.State = StateGone
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Query reads and pairs history for one user (empty user means all). It
// asks the relay for twice the requested row count so logins still find
// their logouts after filtering, then trims the paired rows to limit.
func Query(ctx context.Context, r relay.Relay, user string, limit int) ([]Row, error) {
	events, err := r.GetHistory(ctx, user, 2*limit)
	if err != nil {
		return nil, err
	}
	sessions, err := r.GetSessions(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.Key()] = true
	}

	rows := Pair(events, live)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// FormatTable renders rows as a column-aligned text table.
func FormatTable(rows []Row) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tLABEL\tHOST\tLOGIN\tLOGOUT\tDURATION")
	for _, row := range rows {
		logout := row.State
		duration := "-"
		if !row.Logout.IsZero() {
			logout = row.Logout.Local().Format("Jan 02 15:04")
			duration = formatDuration(row.Logout.Sub(row.Login))
		} else if row.State == StateActive {
			duration = formatDuration(time.Since(row.Login))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Key, row.Label, row.Host,
			row.Login.Local().Format("Jan 02 15:04"),
			logout, duration)
	}
	w.Flush()
	return buf.String()
}

// formatDuration renders elapsed wall-clock time at minute resolution.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
