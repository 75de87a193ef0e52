package outbox

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"go.uber.org/zap"
)

// Entry is one change notification that could not be delivered to the feed.
type Entry struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Journal is an append-only JSON-lines file of undelivered entries.
type Journal struct {
	filePath string
	file     *os.File
	mu       sync.Mutex
}

func Open(filePath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		filePath: filePath,
		file:     file,
	}, nil
}

// Append writes the entry and fsyncs before returning.
func (j *Journal) Append(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		logger.Log.Error("Outbox: failed to append entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return err
	}

	if err := j.file.Sync(); err != nil {
		logger.Log.Error("Outbox: failed to sync",
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return err
	}

	logger.Log.Debug("Outbox: entry journaled",
		zap.String("entry_id", entry.ID),
		zap.String("channel", entry.Channel),
	)
	return nil
}

func (j *Journal) ReadAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.readAllUnsafe()
}

// Cleanup rewrites the journal without the delivered entries.
func (j *Journal) Cleanup(deliveredIDs []string) error {
	if len(deliveredIDs) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	all, err := j.readAllUnsafe()
	if err != nil {
		return err
	}

	delivered := make(map[string]struct{}, len(deliveredIDs))
	for _, id := range deliveredIDs {
		delivered[id] = struct{}{}
	}

	var remaining []Entry
	for _, entry := range all {
		if _, ok := delivered[entry.ID]; !ok {
			remaining = append(remaining, entry)
		}
	}

	if err := j.file.Close(); err != nil {
		return err
	}

	tmp := j.filePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, entry := range remaining {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	f.Sync()
	f.Close()

	if err := os.Rename(tmp, j.filePath); err != nil {
		logger.Log.Error("Outbox: failed to replace journal",
			zap.String("path", j.filePath),
			zap.Error(err),
		)
		return err
	}

	// Reopen with the same flags; Append keeps using j.file.
	file, err := os.OpenFile(j.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.file = file

	logger.Log.Info("Outbox: cleanup completed",
		zap.Int("delivered", len(all)-len(remaining)),
		zap.Int("remaining", len(remaining)),
	)
	return nil
}

func (j *Journal) readAllUnsafe() ([]Entry, error) {
	file, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, scanner.Err()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
