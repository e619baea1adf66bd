package errqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Environment variables advertising the error queue transport to workers.
const (
	EnvFD    = "BROOD_ERROR_FD"
	EnvFile  = "BROOD_ERROR_FILE"
	EnvIndex = "BROOD_WORKER_INDEX"
)

const defaultFilePoll = 200 * time.Millisecond

// Report is the failure payload a worker posts to its error queue before
// exiting. Each queue carries at most one report.
type Report struct {
	Index     int       `json:"index"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Queue is the parent side of a worker's single-slot failure channel. Two
// transports exist: a pipe whose write end is inherited by the child process,
// and a scratch file polled by the parent for launchers where descriptors
// cannot cross the boundary.
type Queue struct {
	reports chan Report

	reader *os.File
	writer *os.File

	path string
	poll time.Duration
	stop chan struct{}

	closeOnce sync.Once
}

// New constructs a pipe-backed queue. The returned queue's WriterFile must be
// handed to the child (via ExtraFiles) and then released with CloseWriter so
// the parent observes EOF when the child exits.
func New() (*Queue, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create error queue: %w", err)
	}
	q := &Queue{
		reports: make(chan Report, 1),
		reader:  r,
		writer:  w,
	}
	go q.consumePipe()
	return q, nil
}

// NewFile constructs a file-backed queue polling the provided path. A poll
// interval of zero selects the default.
func NewFile(path string, poll time.Duration) *Queue {
	if poll <= 0 {
		poll = defaultFilePoll
	}
	q := &Queue{
		reports: make(chan Report, 1),
		path:    path,
		poll:    poll,
		stop:    make(chan struct{}),
	}
	go q.pollFile()
	return q
}

// Reports exposes the report channel. It delivers at most one report and is
// closed once the worker can no longer produce one.
func (q *Queue) Reports() <-chan Report {
	return q.reports
}

// WriterFile returns the pipe write end for inheritance by the child. Nil for
// file-backed queues.
func (q *Queue) WriterFile() *os.File {
	return q.writer
}

// CloseWriter releases the parent's copy of the pipe write end. Must be called
// after the child has inherited the descriptor.
func (q *Queue) CloseWriter() error {
	if q.writer == nil {
		return nil
	}
	err := q.writer.Close()
	q.writer = nil
	return err
}

// Close tears the queue down. For file-backed queues a final decode attempt is
// made before the report channel closes, so callers should Close only after
// the worker has exited.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		if q.stop != nil {
			close(q.stop)
		}
		if q.reader != nil {
			q.reader.Close()
		}
		if q.writer != nil {
			q.writer.Close()
			q.writer = nil
		}
	})
	return nil
}

func (q *Queue) consumePipe() {
	defer close(q.reports)
	defer q.reader.Close()
	var report Report
	if err := json.NewDecoder(q.reader).Decode(&report); err != nil {
		return
	}
	q.reports <- report
}

func (q *Queue) pollFile() {
	defer close(q.reports)
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			q.tryDecodeFile()
			return
		case <-ticker.C:
			if q.tryDecodeFile() {
				return
			}
		}
	}
}

func (q *Queue) tryDecodeFile() bool {
	data, err := os.ReadFile(q.path)
	if err != nil || len(data) == 0 {
		return false
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return false
	}
	select {
	case q.reports <- report:
	default:
	}
	return true
}

// Post writes the report to whichever transport the environment advertises.
// Called from the worker process; returns an error when no queue is
// configured.
func Post(report Report) error {
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	if value := os.Getenv(EnvFD); value != "" {
		fd, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvFD, err)
		}
		f := os.NewFile(uintptr(fd), "error-queue")
		if f == nil {
			return fmt.Errorf("invalid error queue descriptor %d", fd)
		}
		defer f.Close()
		if err := json.NewEncoder(f).Encode(&report); err != nil {
			return fmt.Errorf("write error report: %w", err)
		}
		return nil
	}
	if path := os.Getenv(EnvFile); path != "" {
		return postFile(path, report)
	}
	return fmt.Errorf("no error queue configured")
}

func postFile(path string, report Report) error {
	data, err := json.Marshal(&report)
	if err != nil {
		return fmt.Errorf("encode error report: %w", err)
	}
	// Write-then-rename so the parent never observes a partial report.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write error report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish error report: %w", err)
	}
	return nil
}

// Index reports the worker index assigned by the parent, if any.
func Index() (int, bool) {
	value := os.Getenv(EnvIndex)
	if value == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// FilePath returns the scratch file location for the given worker directory.
func FilePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("worker-%d.json", index))
}
