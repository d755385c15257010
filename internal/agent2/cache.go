package agent2

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/report"
)

// ReportCache holds the last report read from disk. It reloads the file
// whenever its modification time changes.
type ReportCache struct {
	mu      sync.RWMutex
	path    string
	modTime time.Time
	report  *report.Report
}

// NewReportCache creates an empty cache for the report at path.
func NewReportCache(path string) *ReportCache {
	return &ReportCache{path: path}
}

// SetPath points the cache at another file and drops the cached report.
func (c *ReportCache) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
	c.modTime = time.Time{}
	c.report = nil
}

// Report returns the current report, re-reading the file if it changed.
// A stale copy is kept when the file is momentarily unreadable.
func (c *ReportCache) Report() (*report.Report, error) {
	c.mu.RLock()
	path, modTime, cached := c.path, c.modTime, c.report
	c.mu.RUnlock()

	info, err := os.Stat(path)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("no patch report available: %w", err)
	}
	if cached != nil && info.ModTime().Equal(modTime) {
		return cached, nil
	}

	rep, err := report.Load(path)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = rep
	c.modTime = info.ModTime()
	return rep, nil
}
