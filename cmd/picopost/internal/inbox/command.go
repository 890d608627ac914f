package inbox

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/pkg/relay"
)

func NewInboxCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "inbox",
		Aliases: []string{"i"},
		Short:   "Read and consume this session's messages",
		Long: "Reads the merged inbox for this session: its targeted mailbox plus the\n" +
			"user's broadcast mailbox. Messages are consumed; they will not appear again.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return inboxCmd(cmd, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func inboxCmd(cmd *cobra.Command, debug bool) error {
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

	msgs, err := relay.FetchInbox(cmd.Context(), r, cfg.User, internal.SessionID())
	// A broadcast-fetch failure can still come back with targeted messages
	// that are already consumed; show them before reporting the error, or
	// they are gone for good.
	for _, msg := range msgs {
		fmt.Printf("── @%s → %s  %s\n%s\n", msg.From, msg.To, msg.CreatedAt.Local().Format("Jan 02 15:04"), msg.Body)
	}
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No new messages")
	}
	return nil
}
