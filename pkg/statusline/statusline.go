// Package statusline maintains the tiny unread-count projection file read
// by status-bar integrations. The file is the only surface those
// integrations touch; they never call into the relay.
package statusline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tinyland-inc/picopost/pkg/relay"
)

// Projection is the on-disk shape of the statusline file.
type Projection struct {
	Count     int       `json:"count"`
	Preview   string    `json:"preview,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Write replaces the projection file atomically.
func Write(path string, summary relay.UnreadSummary) error {
	data, err := json.Marshal(Projection{
		Count:     summary.Count,
		Preview:   summary.Preview,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".statusline-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Read loads the projection file. A missing file is an empty projection.
func Read(path string) (Projection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Projection{}, nil
		}
		return Projection{}, err
	}
	var p Projection
	if err := json.Unmarshal(data, &p); err != nil {
		return Projection{}, err
	}
	return p, nil
}

// Render produces the status-bar text. No unread messages renders as an
// empty string so the bar segment disappears entirely.
func Render(p Projection) string {
	if p.Count == 0 {
		return ""
	}
	if p.Preview == "" {
		return fmt.Sprintf("📬 %d unread", p.Count)
	}
	return fmt.Sprintf("📬 %d unread: %s", p.Count, p.Preview)
}
