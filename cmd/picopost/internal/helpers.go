package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/picopost/pkg/config"
	"github.com/tinyland-inc/picopost/pkg/relay"
)

const Logo = "📮"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".picopost", "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// NewLogger builds the CLI logger: console output, warnings only unless
// debug is enabled.
func NewLogger(debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// OpenRelay constructs the configured relay backend.
func OpenRelay(cfg *config.Config, log zerolog.Logger) (relay.Relay, error) {
	return relay.New(cfg, log)
}

// SessionID returns this process's session identifier. Terminal and editor
// integrations export PICOPOST_SESSION so every tool call from one session
// shares a mailbox; without it, calls fall back to the shared "cli" session.
func SessionID() string {
	if id := os.Getenv("PICOPOST_SESSION"); id != "" {
		return id
	}
	return "cli"
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
