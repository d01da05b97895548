package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval is how often expired sessions are swept.
const DefaultCleanupInterval = 5 * time.Minute

// Cleaner periodically removes expired sessions and, when configured,
// stale files from the upload directory.
type Cleaner struct {
	store        *Store
	interval     time.Duration
	log          *zap.Logger
	done         chan struct{}
	uploadDir    string
	uploadMaxAge time.Duration
}

// NewCleaner creates a cleaner for the store. An interval of zero means
// DefaultCleanupInterval.
func NewCleaner(store *Store, interval time.Duration, log *zap.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{
		store:    store,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Run sweeps until the context is cancelled. It blocks; callers run it in a
// goroutine or an errgroup.
func (c *Cleaner) Run(ctx context.Context) error {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.store.CleanupExpired(ctx)
			if err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			} else if n > 0 {
				c.log.Info("expired sessions removed", zap.Int64("count", n))
			}
			c.sweepUploads()
		}
	}
}

// TrackUploads makes the cleaner also delete files under dir that have not
// been modified within maxAge. Call before Run.
func (c *Cleaner) TrackUploads(dir string, maxAge time.Duration) {
	c.uploadDir = dir
	c.uploadMaxAge = maxAge
}

func (c *Cleaner) sweepUploads() {
	if c.uploadDir == "" || c.uploadMaxAge <= 0 {
		return
	}
	entries, err := os.ReadDir(c.uploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("upload sweep failed", zap.Error(err))
		}
		return
	}
	cutoff := time.Now().Add(-c.uploadMaxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.uploadDir, e.Name())); err != nil {
			c.log.Warn("stale upload removal failed", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("stale uploads removed", zap.Int("count", removed))
	}
}

// Done is closed once Run has returned.
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}
