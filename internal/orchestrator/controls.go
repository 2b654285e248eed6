package orchestrator

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	haltFlagName = "halt-entries"
	stopFlagName = "emergency-stop"
)

// FileControls implements operator control flags as files in a directory.
// Touching <dir>/halt-entries stops new entries; touching
// <dir>/emergency-stop flattens every account. Removing the file lifts the
// flag. File flags survive restarts and need no running admin surface.
type FileControls struct {
	haltPath string
	stopPath string
	interval time.Duration

	mu      sync.Mutex
	checked time.Time
	halt    bool
	stop    bool
}

// NewFileControls watches dir for control flags, re-checking at most once
// per interval.
func NewFileControls(dir string, interval time.Duration) *FileControls {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &FileControls{
		haltPath: filepath.Join(dir, haltFlagName),
		stopPath: filepath.Join(dir, stopFlagName),
		interval: interval,
	}
}

func (c *FileControls) EntriesHalted() bool {
	c.refresh()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halt || c.stop
}

func (c *FileControls) EmergencyStop() bool {
	c.refresh()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

func (c *FileControls) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.checked) < c.interval {
		return
	}
	c.checked = time.Now()
	c.halt = exists(c.haltPath)
	c.stop = exists(c.stopPath)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
