package sessions

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
)

func NewSessionsCommand() *cobra.Command {
	var debug bool
	var user string

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"who"},
		Short:   "List live sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sessionsCmd(cmd, user, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Only sessions of this user")

	return cmd
}

func sessionsCmd(cmd *cobra.Command, user string, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log := internal.NewLogger(debug)

	r, err := internal.OpenRelay(cfg, log)
	if err != nil {
		return err
	}
	defer r.Close()

	sessions, err := r.GetSessions(cmd.Context())
	if user != "" {
		sessions, err = r.GetSessionsForUser(cmd.Context(), user)
	}
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No live sessions")
		return nil
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tLABEL\tHOST\tDIR\tPLAN\tACTIVE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Key(), s.Label, s.Host, s.Dir, s.Plan, ago(s.LastActive))
	}
	w.Flush()
	fmt.Print(buf.String())
	return nil
}

func ago(t time.Time) string {
	d := time.Since(t).Truncate(time.Second)
	if d < time.Minute {
		return "just now"
	}
	return d.Truncate(time.Minute).String() + " ago"
}
