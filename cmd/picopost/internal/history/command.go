package history

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/pkg/history"
)

func NewHistoryCommand() *cobra.Command {
	var debug bool
	var limit int

	cmd := &cobra.Command{
		Use:     "history [user]",
		Aliases: []string{"last"},
		Short:   "Show paired login/logout history",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := ""
			if len(args) == 1 {
				user = args[0]
			}
			return historyCmd(cmd, user, limit, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to show")

	return cmd
}

func historyCmd(cmd *cobra.Command, user string, limit int, debug bool) error {
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

	rows, err := history.Query(cmd.Context(), r, user, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No history")
		return nil
	}
	fmt.Print(history.FormatTable(rows))
	return nil
}
