package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Failure is one item that exhausted its attempt ceiling, recorded so
// a later run can retry it without re-crawling the whole universe.
type Failure struct {
	Code     string    `json:"code"`
	Date     string    `json:"date"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// FailureLog appends failures to a JSONL file, one object per line.
type FailureLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func New(path string) (*FailureLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create failure log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	return &FailureLog{path: path, file: f}, nil
}

func (l *FailureLog) Write(f Failure) error {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append failure: %w", err)
	}
	return nil
}

func (l *FailureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// List reads back every failure recorded in the file at path.
func List(path string) ([]Failure, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	defer f.Close()

	var out []Failure
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Failure
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse failure log line: %w", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read failure log: %w", err)
	}
	return out, nil
}
