// Package wal implements the per-node transaction log: an append-only text
// file with one record per line, fsynced on every append and replayed at
// startup.
package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/twopc/core/transaction"
)

var ErrLogClosed = errors.New("transaction log is closed")

// maxLineSize bounds a single log line during replay.
const maxLineSize = 1 << 20

// LogManager appends transaction records to a single log file.
// Append returns only after the record is on disk.
type LogManager struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex // Protects file
	file *os.File
}

// NewLogManager opens path for appending, creating it and its directory if
// needed. Existing content is never truncated.
func NewLogManager(path string, logger *zap.Logger) (*LogManager, error) {
	if path == "" {
		return nil, fmt.Errorf("log path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log %s: %w", path, err)
	}
	dropped, err := truncateTornTail(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to repair transaction log %s: %w", path, err)
	}
	if dropped > 0 {
		logger.Warn("Dropped incomplete last record", zap.String("path", path), zap.Int64("bytes", dropped))
	}
	logger.Debug("Transaction log opened", zap.String("path", path))
	return &LogManager{path: path, logger: logger, file: file}, nil
}

// truncateTornTail cuts off a last line that was never terminated, so the
// next append starts on a fresh line. It returns how many bytes it removed.
func truncateTornTail(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		n := int64(len(buf))
		if n > end {
			n = end
		}
		chunk := buf[:n]
		if _, err := file.ReadAt(chunk, end-n); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = end - n + int64(i) + 1
			break
		}
		end -= n
	}
	if end == size {
		return 0, nil
	}
	if err := file.Truncate(end); err != nil {
		return 0, err
	}
	if err := file.Sync(); err != nil {
		return 0, err
	}
	return size - end, nil
}

// Path returns the file backing the log.
func (lm *LogManager) Path() string { return lm.path }

// Append writes the record as one line and fsyncs the file.
func (lm *LogManager) Append(t *transaction.Transaction) error {
	line := EncodeRecord(t) + "\n"

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return ErrLogClosed
	}
	if _, err := lm.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to append record for txn %d: %w", t.ID, err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transaction log: %w", err)
	}
	return nil
}

// Close closes the log file. Further appends fail with ErrLogClosed.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	err := lm.file.Close()
	lm.file = nil
	return err
}

// ReplayResult is the state reconstructed from a log.
type ReplayResult struct {
	// Records holds the last record logged for every id.
	Records map[uint64]*transaction.Transaction
	// Order lists ids in the order they first appear in the log.
	Order []uint64
	// MaxID is the highest id seen. Only meaningful when Records is non-empty.
	MaxID uint64
	// Skipped counts lines that could not be decoded.
	Skipped int
}

// ReadRecords decodes every line of the log at path, in order. A missing
// file yields no records. Lines that fail to decode are skipped with a
// warning, and so is a last line without its newline: the node crashed
// while writing it, so it was never acknowledged.
func ReadRecords(path string, logger *zap.Logger) ([]*transaction.Transaction, int, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open transaction log %s: %w", path, err)
	}
	defer file.Close()

	var (
		records []*transaction.Transaction
		skipped int
		lineNo  int
	)
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("failed to read transaction log %s: %w", path, err)
		}
		if len(line) == 0 {
			break
		}
		lineNo++
		if !strings.HasSuffix(line, "\n") {
			skipped++
			logger.Warn("Skipping incomplete last log line",
				zap.String("path", path), zap.Int("line", lineNo), zap.String("content", line))
			break
		}
		line = strings.TrimSuffix(line, "\n")
		if len(line) > maxLineSize {
			skipped++
			logger.Warn("Skipping oversized log line", zap.String("path", path), zap.Int("line", lineNo))
			continue
		}
		if len(line) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if err != nil {
			skipped++
			logger.Warn("Skipping unreadable log line",
				zap.String("path", path), zap.Int("line", lineNo), zap.String("content", line), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

// Replay reads the log at path and keeps the last record for each id.
func Replay(path string, logger *zap.Logger) (*ReplayResult, error) {
	records, skipped, err := ReadRecords(path, logger)
	if err != nil {
		return nil, err
	}
	res := &ReplayResult{
		Records: make(map[uint64]*transaction.Transaction, len(records)),
		Skipped: skipped,
	}
	for _, rec := range records {
		if _, seen := res.Records[rec.ID]; !seen {
			res.Order = append(res.Order, rec.ID)
		}
		res.Records[rec.ID] = rec
		if rec.ID > res.MaxID {
			res.MaxID = rec.ID
		}
	}
	logger.Info("Transaction log replayed",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("transactions", len(res.Records)),
		zap.Int("skipped", skipped))
	return res, nil
}
