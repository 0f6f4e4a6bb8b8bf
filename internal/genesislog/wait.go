package genesislog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// waitForLog polls for the log file every RetryInterval, up to MaxRetries
// attempts. A filesystem watch on the parent directory lets the file's
// creation trigger a load before the next tick; the poll is the bound.
func (s *Store) waitForLog(ctx context.Context) {
	defer close(s.settled)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		s.logger.Debug("genesis log watch unavailable", zap.Error(err))
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(s.path)); err != nil {
			s.logger.Debug("genesis log watch unavailable",
				zap.String("dir", filepath.Dir(s.path)),
				zap.Error(err),
			)
		} else {
			events, watchErrs = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(s.opts.RetryInterval)
	defer ticker.Stop()

	target := filepath.Clean(s.path)
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			if s.tryLoad() {
				return
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			s.logger.Debug("genesis log watch error", zap.Error(err))

		case <-ticker.C:
			if s.tryLoad() {
				return
			}
			attempts++
			if attempts >= s.opts.MaxRetries {
				s.mu.Lock()
				s.setStateLocked(StateUnavailable)
				s.mu.Unlock()
				s.logger.Warn("genesis log not found, genesis attestations disabled until restart",
					zap.String("path", s.path),
					zap.Int("attempts", attempts),
				)
				return
			}
		}
	}
}

func (s *Store) tryLoad() bool {
	err := s.load()
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("genesis log load failed", zap.String("path", s.path), zap.Error(err))
	}
	return false
}
