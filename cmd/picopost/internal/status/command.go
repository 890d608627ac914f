package status

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/pkg/statusline"
)

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status-bar text for this deployment",
		Long: "Prints the unread projection maintained by the daemon and peek commands.\n" +
			"Reads only the small projection file; never touches the relay.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return statusCmd()
		},
	}

	return cmd
}

func statusCmd() error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	p, err := statusline.Read(cfg.StatuslinePath())
	if err != nil {
		return err
	}
	if text := statusline.Render(p); text != "" {
		fmt.Println(text)
	}
	return nil
}
