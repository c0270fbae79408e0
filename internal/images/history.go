package images

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloudimages/internal/logging"
	"cloudimages/internal/state"

	"go.uber.org/zap"
)

// ErrNoStateDir is returned by Runs when no state directory is configured.
var ErrNoStateDir = errors.New("state_dir is not configured")

// Runs loads the records Create saved to the state directory, newest first.
// Unreadable records are logged and skipped.
func (m *Manager) Runs() ([]*state.Run, error) {
	dir := m.settings.StateDir
	if dir == "" {
		return nil, ErrNoStateDir
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var runs []*state.Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		run, err := state.Load(path)
		if err != nil {
			logging.Logger().Warn("skipping unreadable run record", zap.String("path", path), zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// LeftBehind reports the hostname of an instance the run allocated but did
// not destroy, kept ones included.
func LeftBehind(run *state.Run) string {
	if run.Instance.ID == "" || run.Destroyed {
		return ""
	}
	return run.Instance.Hostname
}
