// Package flatfile persists raw event logs as newline-delimited JSON, one
// append-only file per provider, plus a single analysis-watermark file.
package flatfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/normalize"
	"github.com/lvonguyen/loginwatch/internal/store"
)

const watermarkFile = "last_analyzed.log"

// Store is a flat-file store.Store rooted at one log directory.
type Store struct {
	dir string
}

// New creates the log directory if needed and returns the store.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("flat file persistence requested, but no log_directory specified")
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// GetLast reads the last line of each provider's log to rebuild its polling
// checkpoint.
func (s *Store) GetLast(ctx context.Context, fields map[string]event.FieldMap) (map[string]store.Checkpoint, error) {
	checkpoints := make(map[string]store.Checkpoint, len(fields))
	for provider, fm := range fields {
		last, err := s.lastLine(s.logPath(provider))
		if err != nil {
			return nil, fmt.Errorf("reading %s log: %w", provider, err)
		}
		if last == "" {
			checkpoints[provider] = store.Checkpoint{}
			continue
		}

		var raw event.Raw
		if err := json.Unmarshal([]byte(last), &raw); err != nil {
			return nil, fmt.Errorf("decoding last %s event: %w", provider, err)
		}
		ts, err := normalize.ParseTimestamp(raw.Field(fm.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("last %s event: %w", provider, err)
		}
		checkpoints[provider] = store.Checkpoint{Time: ts, Raw: raw}
	}
	return checkpoints, nil
}

// Persist appends each provider's new events to its log.
func (s *Store) Persist(ctx context.Context, data map[string][]event.Raw) error {
	for provider, events := range data {
		if len(events) == 0 {
			continue
		}
		f, err := os.OpenFile(s.logPath(provider), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			return fmt.Errorf("opening %s log: %w", provider, err)
		}
		w := bufio.NewWriter(f)
		for _, ev := range events {
			line, err := json.Marshal(ev)
			if err != nil {
				f.Close()
				return fmt.Errorf("encoding %s event: %w", provider, err)
			}
			w.Write(line)
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("writing %s log: %w", provider, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing %s log: %w", provider, err)
		}
	}
	return nil
}

// GetHistoricalData replays each provider's log, applying the retention
// limit relative to that provider's checkpoint.
func (s *Store) GetHistoricalData(ctx context.Context, fields map[string]event.FieldMap, historyLimit int64) (map[string][]event.Raw, error) {
	checkpoints, err := s.GetLast(ctx, fields)
	if err != nil {
		return nil, err
	}

	data := make(map[string][]event.Raw, len(fields))
	for provider, fm := range fields {
		var limit float64
		if historyLimit > 0 {
			limit = checkpoints[provider].Time - float64(historyLimit)
			if limit < 0 {
				limit = 0
			}
		}

		events, err := s.readLog(provider, fm, limit)
		if err != nil {
			return nil, err
		}
		data[provider] = events
	}
	return data, nil
}

func (s *Store) readLog(provider string, fm event.FieldMap, limit float64) ([]event.Raw, error) {
	f, err := os.Open(s.logPath(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s log: %w", provider, err)
	}
	defer f.Close()

	var events []event.Raw
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw event.Raw
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", provider, err)
		}
		if limit > 0 {
			ts, err := normalize.ParseTimestamp(raw.Field(fm.Timestamp))
			if err != nil {
				return nil, fmt.Errorf("%s event: %w", provider, err)
			}
			if ts < limit {
				continue
			}
		}
		events = append(events, raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s log: %w", provider, err)
	}
	return events, nil
}

// GetLastAnalyzed reads the analysis watermark; a missing or empty file
// means no run has completed yet.
func (s *Store) GetLastAnalyzed(ctx context.Context) (float64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, watermarkFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading watermark: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	watermark, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing watermark: %w", err)
	}
	return watermark, nil
}

// PersistLastAnalyzed writes the watermark atomically via a rename.
func (s *Store) PersistLastAnalyzed(ctx context.Context, watermark float64) error {
	path := filepath.Join(s.dir, watermarkFile)
	tmp := path + ".tmp"
	text := strconv.FormatFloat(watermark, 'f', -1, 64)
	if err := os.WriteFile(tmp, []byte(text), 0o660); err != nil {
		return fmt.Errorf("writing watermark: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing watermark: %w", err)
	}
	return nil
}

// Close is a no-op; files are opened per operation.
func (s *Store) Close() error { return nil }

func (s *Store) logPath(provider string) string {
	return filepath.Join(s.dir, provider+".log")
}

// lastLine returns the final non-blank line of the file, or "" when the file
// is missing or empty.
func (s *Store) lastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return last, nil
}
