package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SweepReport counts the files removed by one sweep pass.
type SweepReport struct {
	TempRemoved   int
	ResultRemoved int
}

// Sweep removes temp uploads older than tempTTL and results older than
// resultTTL, measured from now. A non-positive TTL leaves that directory alone.
func (s *FileStore) Sweep(now time.Time, tempTTL, resultTTL time.Duration) (SweepReport, error) {
	var report SweepReport
	var errs []error

	removed, err := s.sweepDir(s.tempDir, now, tempTTL)
	report.TempRemoved = removed
	errs = append(errs, err)

	removed, err = s.sweepDir(s.resultDir, now, resultTTL)
	report.ResultRemoved = removed
	errs = append(errs, err)

	return report, errors.Join(errs...)
}

func (s *FileStore) sweepDir(dir string, now time.Time, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("sweep failed to remove file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *FileStore) RunSweeper(ctx context.Context, interval, tempTTL, resultTTL time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, err := s.Sweep(now, tempTTL, resultTTL)
			if err != nil {
				s.logger.Warn("sweep finished with errors", zap.Error(err))
			}
			if report.TempRemoved > 0 || report.ResultRemoved > 0 {
				s.logger.Info("sweep removed expired files",
					zap.Int("temp_removed", report.TempRemoved),
					zap.Int("result_removed", report.ResultRemoved))
			}
		}
	}
}
