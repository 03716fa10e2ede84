package upload

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper removes upload artifacts a client abandoned: temp files not
// written for longer than maxAge, plus their empty placeholder targets.
// It is off unless the operator gives it a schedule.
type Sweeper struct {
	root   string
	maxAge time.Duration
	log    *slog.Logger
	now    func() time.Time
	cron   *cron.Cron
}

func NewSweeper(root string, maxAge time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{root: root, maxAge: maxAge, log: log, now: time.Now}
}

// Start runs SweepOnce on the cron schedule until Stop.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		n, err := s.SweepOnce(context.Background())
		if err != nil {
			s.log.Warn("upload sweep", "err", err)
			return
		}
		if n > 0 {
			s.log.Info("upload sweep", "removed", n)
		}
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule; the returned context is done once a running
// sweep has finished.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// SweepOnce walks the root once and returns how many temp files it removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped, not fatal
			if d != nil && d.IsDir() && p != s.root {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), TempSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			s.log.Warn("upload sweep remove", "path", p, "err", err)
			return nil
		}
		removed++
		target := strings.TrimSuffix(p, TempSuffix)
		if st, err := os.Lstat(target); err == nil && st.Mode().IsRegular() && st.Size() == 0 {
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("upload sweep remove placeholder", "path", target, "err", err)
			}
		}
		s.log.Debug("upload sweep removed", "path", p)
		return nil
	})
	return removed, err
}
