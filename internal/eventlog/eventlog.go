// Package eventlog persists run events as append-only JSONL files,
// date-partitioned under events/YYYY/MM/DD/<run>.jsonl. The open day's file
// is plain JSONL so it can be tailed and appended; closed days are
// compacted to gzip. Append is the only mutation primitive.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/event"
)

// Log is a filesystem event log. Appends for a single run are serialized by
// a per-run mutex; independent runs append concurrently. Every appended
// event is also published on the bus.
type Log struct {
	base   string
	bus    *event.Bus
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	mu      sync.Mutex
	nextSeq uint64
	day     string // partition (YYYY/MM/DD) of the open file
	f       *os.File
}

// New creates a log rooted at base, creating the directory if needed.
func New(base string, bus *event.Bus, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Join(base, "events"), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &Log{
		base:   base,
		bus:    bus,
		logger: logger,
		runs:   make(map[string]*runState),
	}, nil
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}

func (l *Log) dayPath(day, runID string) string {
	return filepath.Join(l.base, "events", filepath.FromSlash(day), runID+".jsonl")
}

func (l *Log) state(runID string) *runState {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs, ok := l.runs[runID]
	if !ok {
		rs = &runState{}
		l.runs[runID] = rs
	}
	return rs
}

// Append assigns the event's per-run sequence number, writes it durably and
// publishes it on the bus. It returns the assigned sequence number. An
// append failure leaves the log untouched and must be surfaced by the
// caller; it is never swallowed as success.
func (l *Log) Append(ctx context.Context, e event.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rs := l.state(e.RunID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.nextSeq == 0 {
		// First touch since process start: resume after any existing events.
		existing, err := l.readAll(e.RunID)
		if err != nil {
			return 0, fmt.Errorf("recover sequence for run %s: %w", e.RunID, err)
		}
		rs.nextSeq = 1
		if n := len(existing); n > 0 {
			rs.nextSeq = existing[n-1].Seq + 1
		}
	}

	day := dayOf(e.Timestamp)
	if rs.f == nil || rs.day != day {
		if err := l.rotate(rs, e.RunID, day); err != nil {
			return 0, err
		}
	}

	e.Seq = rs.nextSeq
	line, err := json.Marshal(&e)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	if _, err := rs.f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := rs.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync event log: %w", err)
	}
	rs.nextSeq++

	if l.bus != nil {
		l.bus.Publish(e)
	}
	return e.Seq, nil
}

// rotate closes the currently open file, compacts it if the day has rolled
// over, and opens the file for the new day.
func (l *Log) rotate(rs *runState, runID, day string) error {
	if rs.f != nil {
		old := rs.f.Name()
		rs.f.Close()
		rs.f = nil
		if err := compactFile(old); err != nil {
			l.logger.Warn("compact closed-day log failed", zap.String("file", old), zap.Error(err))
		}
	}
	path := l.dayPath(day, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	rs.f = f
	rs.day = day
	return nil
}

// Read returns the run's events with Seq >= fromSeq, in strictly increasing
// sequence order. It can always be restarted from sequence zero.
func (l *Log) Read(ctx context.Context, runID string, fromSeq uint64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := l.readAll(runID)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, e := range events {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByKey scans a run's log for a terminal step event carrying the given
// idempotency key. Used as the crash-recovery guard before invoking an
// action. Retryable failures are not terminal and never match: the attempt
// they belong to is decided, but the step itself is still due more work.
func (l *Log) FindByKey(ctx context.Context, runID, key string) (event.Event, bool, error) {
	events, err := l.Read(ctx, runID, 0)
	if err != nil {
		return event.Event{}, false, err
	}
	for _, e := range events {
		if e.IdempotencyKey == key && e.StepTerminal() {
			return e, true, nil
		}
	}
	return event.Event{}, false, nil
}

// readAll collects a run's events across all date partitions.
func (l *Log) readAll(runID string) ([]event.Event, error) {
	root := filepath.Join(l.base, "events")
	var events []event.Event

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if name != runID+".jsonl" && name != runID+".jsonl.gz" {
			return nil
		}
		chunk, err := readFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		events = append(events, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func readFile(path string) ([]event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var events []event.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e event.Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// Runs lists every run id with at least one event, across all partitions.
func (l *Log) Runs() ([]string, error) {
	root := filepath.Join(l.base, "events")
	seen := make(map[string]struct{})

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := strings.TrimSuffix(d.Name(), ".gz")
		if !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		seen[strings.TrimSuffix(name, ".jsonl")] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// CompactBefore gzips every plain JSONL partition file older than the given
// day. Intended as a startup/maintenance pass; compaction never rewrites
// event content.
func (l *Log) CompactBefore(t time.Time) error {
	cutoff := dayOf(t)
	root := filepath.Join(l.base, "events")
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return err
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		if filepath.ToSlash(rel) >= cutoff {
			return nil
		}
		if err := compactFile(path); err != nil {
			return fmt.Errorf("compact %s: %w", path, err)
		}
		return nil
	})
}

// compactFile rewrites a plain JSONL file as gzip and removes the original.
func compactFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// CloseRun releases the open file handle for a run. Called after a run
// reaches a terminal state.
func (l *Log) CloseRun(runID string) {
	l.mu.Lock()
	rs, ok := l.runs[runID]
	l.mu.Unlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.f != nil {
		rs.f.Close()
		rs.f = nil
	}
}

// Close releases all open file handles.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rs := range l.runs {
		rs.mu.Lock()
		if rs.f != nil {
			rs.f.Close()
			rs.f = nil
		}
		rs.mu.Unlock()
	}
}
