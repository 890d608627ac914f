// PicoPost - presence-aware mail between terminal sessions.
//
// Copyright (c) 2026 PicoPost contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/daemon"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/history"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/inbox"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/peek"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/send"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/sessions"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/status"
	"github.com/tinyland-inc/picopost/cmd/picopost/internal/version"
)

func NewPicopostCommand() *cobra.Command {
	short := fmt.Sprintf("%s picopost - session mail v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "picopost",
		Short:   short,
		Example: "picopost send kai \"PR ready\"",
	}

	cmd.AddCommand(
		send.NewSendCommand(),
		inbox.NewInboxCommand(),
		peek.NewPeekCommand(),
		sessions.NewSessionsCommand(),
		history.NewHistoryCommand(),
		daemon.NewDaemonCommand(),
		status.NewStatusCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewPicopostCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
