package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain. A Log without a path keeps its lines in
// memory for ephemeral runs and tests.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	seq      int64
	lines    [][]byte
	mu       sync.Mutex
}

// NewMemoryLog returns a process-local log.
func NewMemoryLog() *Log {
	return &Log{prevHash: GenesisHash}
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	var seq int64

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		lastLine, err := readLastLine(path)
		if err != nil {
			return nil, err
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
			var last DecisionRecord
			if err := json.Unmarshal(lastLine, &last); err == nil {
				seq = last.Seq
			}
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Log{
		path:     path,
		file:     file,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

func readLastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var lastLine []byte
	for scanner.Scan() {
		lastLine = make([]byte, len(scanner.Bytes()))
		copy(lastLine, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return lastLine, nil
}

const maxLineSize = 4 * 1024 * 1024

// Path returns the backing file, or "" for a memory log.
func (l *Log) Path() string { return l.path }

// Append chains rec onto the log. It sets Seq, PrevHash and Timestamp (if
// empty), writes one line and syncs before returning.
func (l *Log) Append(ctx context.Context, rec DecisionRecord) (DecisionRecord, error) {
	if err := ctx.Err(); err != nil {
		return DecisionRecord{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path != "" && l.file == nil {
		return DecisionRecord{}, errors.New("audit: log is closed")
	}

	stamp(&rec)
	rec.Seq = l.seq + 1
	rec.PrevHash = l.prevHash

	line, err := json.Marshal(rec)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("audit: marshal entry: %w", err)
	}

	if l.file != nil {
		if _, err := l.file.Write(append(line, '\n')); err != nil {
			return DecisionRecord{}, fmt.Errorf("audit: write entry: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return DecisionRecord{}, fmt.Errorf("audit: sync: %w", err)
		}
	} else {
		l.lines = append(l.lines, line)
	}

	l.seq = rec.Seq
	l.prevHash = HashLine(line)
	return rec, nil
}

// History returns every record for traceID in write order.
func (l *Log) History(ctx context.Context, traceID string) ([]DecisionRecord, error) {
	var out []DecisionRecord
	err := l.scan(ctx, func(rec DecisionRecord) {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	})
	return out, err
}

// Tail returns the last n records across all traces.
func (l *Log) Tail(ctx context.Context, n int) ([]DecisionRecord, error) {
	var all []DecisionRecord
	err := l.scan(ctx, func(rec DecisionRecord) {
		all = append(all, rec)
	})
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, err
}

func (l *Log) scan(ctx context.Context, fn func(DecisionRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path == "" {
		for _, line := range l.lines {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec DecisionRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			fn(rec)
		}
		return nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec DecisionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		fn(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: read log: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
