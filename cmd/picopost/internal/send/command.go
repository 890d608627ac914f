package send

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/pkg/relay"
)

func NewSendCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "send <to> <body>...",
		Aliases: []string{"s"},
		Short:   "Send a message to a user or a specific session",
		Example: "picopost send kai \"PR ready\"\npicopost send kai:editor \"see comment on line 40\"",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCmd(cmd, args[0], strings.Join(args[1:], " "), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func sendCmd(cmd *cobra.Command, to, body string, debug bool) error {
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

	msg := relay.NewMessage(cfg.User, to, body)
	if err := r.Deliver(cmd.Context(), msg); err != nil {
		return err
	}
	fmt.Printf("✓ Sent to %s\n", msg.To)
	return nil
}
