package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventID    string         `json:"event_id"`
	EventType  EventType      `json:"event_type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
}

// AuditLogger appends every event it receives to a JSONL file, rotating into
// an archive directory when the file grows past maxSize.
type AuditLogger struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
	logger          *slog.Logger
}

func NewAuditLogger(logPath string, maxSize int64, logger *slog.Logger) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if filepath.Ext(logPath) != LogFileExtension {
		return nil, fmt.Errorf("audit log %q must end in %s", logPath, LogFileExtension)
	}

	l := &AuditLogger{
		logPath:        logPath,
		maxSize:        maxSize,
		enableChecksum: true,
		logger:         logger,
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

// Attach subscribes the logger to every event on bus.
func (l *AuditLogger) Attach(bus *Bus) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.Record(e); err != nil {
			l.logger.Error("audit log write failed", "event_id", e.ID, "error", err)
		}
	})
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record writes e as one entry.
func (l *AuditLogger) Record(e Event) error {
	return l.WriteEntry(&LogEntry{
		Timestamp:  e.Timestamp,
		EventID:    e.ID,
		EventType:  e.Type,
		WorkflowID: e.WorkflowID,
		TaskID:     e.TaskID,
		ItemID:     e.ItemID,
		Details:    e.Data,
	})
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if l.enableChecksum {
		sum, err := checksum(entry)
		if err != nil {
			return err
		}
		entry.Checksum = sum
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize && l.currentSize > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current audit log: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.openLogFile()
}

func checksum(entry *LogEntry) (string, error) {
	cp := *entry
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity returns the number of entries in a log and how many of
// them carry a matching checksum or none at all. Malformed lines count as
// entries but are never valid.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		total++
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Checksum == "" {
			valid++
			continue
		}
		want, err := checksum(&entry)
		if err == nil && want == entry.Checksum {
			valid++
		}
	}
	return total, valid, scanner.Err()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *AuditLogger) CurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
