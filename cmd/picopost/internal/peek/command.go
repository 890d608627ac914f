package peek

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/pkg/relay"
	"github.com/tinyland-inc/picopost/pkg/statusline"
)

func NewPeekCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "peek [address]",
		Aliases: []string{"p"},
		Short:   "Show unread counts without consuming anything",
		Example: "picopost peek\npicopost peek kai",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := ""
			if len(args) == 1 {
				address = args[0]
			}
			return peekCmd(cmd, address, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func peekCmd(cmd *cobra.Command, address string, debug bool) error {
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

	var summary relay.UnreadSummary
	if address != "" {
		summary, err = r.UnreadSummary(cmd.Context(), address)
	} else {
		// Own inbox: targeted mailbox plus broadcast mailbox. Keep the
		// statusline projection in sync while we are here.
		summary, err = relay.InboxSummary(cmd.Context(), r, cfg.User, internal.SessionID())
		if err == nil {
			if werr := statusline.Write(cfg.StatuslinePath(), summary); werr != nil {
				log.Warn().Err(werr).Msg("updating statusline projection")
			}
		}
	}
	if err != nil {
		return err
	}

	if summary.Count == 0 {
		fmt.Println("No unread messages")
		return nil
	}
	fmt.Printf("%d unread: %s\n", summary.Count, summary.Preview)
	return nil
}
