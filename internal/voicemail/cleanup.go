package voicemail

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flowpbx/vmrouter/internal/database/models"
)

// Purger drops voicemails older than a cutoff and reports their audio refs.
type Purger interface {
	Settings() models.Settings
	PurgeVoicemails(ctx context.Context, before time.Time) ([]string, error)
}

// Cleaner enforces voicemail retention and clears orphaned spool files.
type Cleaner struct {
	reg      Purger
	store    AudioStore
	spoolDir string
	spoolAge time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewCleaner creates a Cleaner. Spool files older than spoolAge are treated
// as left over from a crash; a zero spoolAge disables the sweep.
func NewCleaner(reg Purger, store AudioStore, spoolDir string, spoolAge time.Duration, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		reg:      reg,
		store:    store,
		spoolDir: spoolDir,
		spoolAge: spoolAge,
		logger:   logger.With("subsystem", "voicemail-cleanup"),
		nowFunc:  time.Now,
	}
}

// StartCleanupTicker runs RunOnce every interval until ctx is cancelled.
func (c *Cleaner) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce applies the retention setting and sweeps the spool directory. It
// returns how many voicemails were purged.
func (c *Cleaner) RunOnce(ctx context.Context) int {
	purged := c.purgeExpired(ctx)
	if c.spoolAge > 0 && c.spoolDir != "" {
		c.sweepSpool()
	}
	return purged
}

func (c *Cleaner) purgeExpired(ctx context.Context) int {
	days := c.reg.Settings().RetentionDays
	if days <= 0 {
		return 0
	}

	cutoff := c.nowFunc().AddDate(0, 0, -days)
	refs, err := c.reg.PurgeVoicemails(ctx, cutoff)
	if err != nil {
		c.logger.Error("voicemail retention cleanup failed", "error", err)
		return 0
	}
	if len(refs) == 0 {
		return 0
	}

	c.logger.Info("voicemail retention cleanup", "deleted", len(refs), "retention_days", days)
	for _, ref := range refs {
		if err := c.store.Remove(ctx, ref); err != nil {
			c.logger.Warn("failed to remove voicemail audio", "ref", ref, "error", err)
		}
	}
	return len(refs)
}

// QuarantineDir is the spool subdirectory stale recordings are moved into.
const QuarantineDir = "quarantine"

// sweepSpool moves recordings nobody ingested into the quarantine
// directory. They may be the only copy of a caller's message, so they are
// never deleted here.
func (c *Cleaner) sweepSpool() {
	entries, err := os.ReadDir(c.spoolDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("reading spool directory failed", "dir", c.spoolDir, "error", err)
		}
		return
	}

	cutoff := c.nowFunc().Add(-c.spoolAge)
	quarantine := filepath.Join(c.spoolDir, QuarantineDir)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.MkdirAll(quarantine, 0750); err != nil {
			c.logger.Error("creating spool quarantine directory failed", "dir", quarantine, "error", err)
			return
		}

		ref := strings.TrimSuffix(e.Name(), ".wav")
		src := filepath.Join(c.spoolDir, e.Name())
		dst := filepath.Join(quarantine, e.Name())
		if err := os.Rename(src, dst); err != nil {
			if !os.IsNotExist(err) {
				c.logger.Error("failed to quarantine orphaned recording", "ref", ref, "path", src, "error", err)
			}
			continue
		}
		c.logger.Error("orphaned recording quarantined", "ref", ref, "path", dst, "modified", info.ModTime())
	}
}
