package httpapi

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AuditEntry records one administrative action on the database layer.
type AuditEntry struct {
	Time       time.Time   `json:"time"`
	User       string      `json:"user"`
	Role       string      `json:"role"`
	Action     string      `json:"action"`
	Reason     string      `json:"reason,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	RemoteAddr string      `json:"remote_addr,omitempty"`
	UserAgent  string      `json:"user_agent,omitempty"`
}

// AuditSink persists audit entries.
type AuditSink interface {
	Write(entry AuditEntry) error
}

type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
	sink    AuditSink
}

func newAuditLog(max int, sink AuditSink) *auditLog {
	if max <= 0 {
		max = 200
	}
	return &auditLog{max: max, sink: sink}
}

func (l *auditLog) add(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	if l.sink != nil {
		return l.sink.Write(entry)
	}
	return nil
}

func (l *auditLog) listLimit(limit int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]AuditEntry, limit)
	copy(out, l.entries[len(l.entries)-limit:])
	return out
}

// FileAuditSink appends audit entries to a file as JSON lines.
type FileAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileAuditSink opens path for appending.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileAuditSink{file: f}, nil
}

func (s *FileAuditSink) Write(entry AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

// Close closes the file.
func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
