package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/tracker"
)

// File replays position samples stored one JSON object per line.
type File struct {
	path   string
	logger *slog.Logger

	// Pace waits between samples as long as their timestamps are apart.
	Pace bool
	// Rebase shifts timestamps so the first sample is observed now.
	Rebase bool

	Now func() time.Time
}

func NewFile(path string, logger *slog.Logger) *File {
	return &File{
		path:   path,
		logger: logger.With("component", "file_source", "path", path),
		Now:    time.Now,
	}
}

func (f *File) Start(ctx context.Context, opts tracker.WatchOptions) (<-chan tracker.Observation, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, openError(f.path, err)
	}

	out := make(chan tracker.Observation)
	go func() {
		defer file.Close()
		f.replay(ctx, file, out)
	}()
	return out, nil
}

func (f *File) replay(ctx context.Context, r io.Reader, out chan<- tracker.Observation) {
	defer close(out)

	var offset time.Duration
	var prev time.Time
	first := true
	// Replayed times are reported in the clock's zone.
	loc := f.Now().Location()

	scan := bufio.NewScanner(r)
	for line := 1; scan.Scan(); line++ {
		text := strings.TrimSpace(scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var s domain.PositionSample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			f.logger.Debug("skipping line", "line", line, "error", err)
			continue
		}

		at := f.Now()
		if s.TimestampMs > 0 {
			at = s.Time()
		}
		if first && f.Rebase {
			offset = f.Now().Sub(at)
		}
		at = at.Add(offset).In(loc)

		if f.Pace && !first {
			if gap := at.Sub(prev); gap > 0 {
				timer := time.NewTimer(gap)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
		first = false
		prev = at

		obs := tracker.Observation{
			Latitude:       s.Latitude,
			Longitude:      s.Longitude,
			AccuracyMeters: s.AccuracyMeters,
			Time:           at,
			SpeedKmh:       s.SpeedKmh,
			HeadingDeg:     s.HeadingDeg,
		}
		select {
		case out <- obs:
		case <-ctx.Done():
			return
		}
	}
	if err := scan.Err(); err != nil {
		f.logger.Warn("replay stopped", "error", err)
	}
}
