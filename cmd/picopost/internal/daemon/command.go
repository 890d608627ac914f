package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tinyland-inc/picopost/cmd/picopost/internal"
	"github.com/tinyland-inc/picopost/pkg/presence"
	"github.com/tinyland-inc/picopost/pkg/relay"
	"github.com/tinyland-inc/picopost/pkg/statusline"
)

func NewDaemonCommand() *cobra.Command {
	var debug bool
	var label string
	var plan string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the session presence daemon",
		Long: "Registers this session, then keeps it live with periodic heartbeats,\n" +
			"reaps sessions whose processes died, and refreshes the statusline file.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return daemonCmd(debug, label, plan)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&label, "label", "l", "", "Human label for this session")
	cmd.Flags().StringVar(&plan, "plan", "", "Free-text status for this session")

	return cmd
}

func daemonCmd(debug bool, label, plan string) error {
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

	host, _ := os.Hostname()
	dir, _ := os.Getwd()
	session := relay.Session{
		User:            cfg.User,
		Session:         internal.SessionID(),
		Label:           label,
		Host:            host,
		Dir:             dir,
		Plan:            plan,
		AcceptsMessages: true,
	}

	mgr := presence.NewManager(r, session, cfg.SentinelDir(), cfg.HeartbeatInterval(), cfg.ReapInterval(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("✓ Session %s registered\n", session.Key())

	var wg sync.WaitGroup
	wg.Add(1)
	go statuslineLoop(ctx, &wg, r, cfg.StatuslinePath(), cfg.User, session.Session, cfg.StatusInterval(), log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-sigChan

	if sig == syscall.SIGTERM || sig == syscall.SIGHUP {
		// Termination signal: the only synchronous work is the sentinel
		// write. The actual session delete may be slow or networked, and
		// some surviving process's reaper will get to it.
		if err := mgr.RequestRemoval(); err != nil {
			return err
		}
		// Stop the heartbeat before exiting: one more refresh after the
		// sentinel would resurrect the session a reaper is about to delete.
		mgr.Halt()
		cancel()
		wg.Wait()
		return nil
	}

	fmt.Println("\nShutting down...")
	cancel()
	wg.Wait()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		return err
	}
	fmt.Println("✓ Session removed")
	return nil
}

// statuslineLoop is the description-refresh poller: it periodically
// recomputes the unread projection so status bars stay current without ever
// touching the relay themselves.
func statuslineLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	r relay.Relay,
	path, user, session string,
	interval time.Duration,
	log zerolog.Logger,
) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := relay.InboxSummary(ctx, r, user, session)
			if err != nil {
				log.Warn().Err(err).Msg("statusline refresh failed")
				continue
			}
			if err := statusline.Write(path, summary); err != nil {
				log.Warn().Err(err).Msg("writing statusline projection")
			}
		}
	}
}
