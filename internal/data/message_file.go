package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
)

// fileArchive stores every account in a single JSON document:
// accountId -> conversationId -> messages
type fileArchive struct {
	path string

	mu      sync.Mutex
	records map[string]domain.AccountMessages
}

// NewFileArchive uses the JSON document at path. A missing file is an empty archive.
func NewFileArchive(path string) (repo.MessageArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &fileArchive{path: path, records: make(map[string]domain.AccountMessages)}, nil
}

// Load reads the whole document. Unparseable JSON is an error, an empty file is an empty archive.
func (a *fileArchive) Load(ctx context.Context) (map[string]domain.AccountMessages, []error, error) {
	raw, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]domain.AccountMessages{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message store: %w", err)
	}

	records := make(map[string]domain.AccountMessages)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, nil, &domain.StoreCorruption{Err: err}
		}
	}

	a.mu.Lock()
	a.records = make(map[string]domain.AccountMessages, len(records))
	for id, msgs := range records {
		a.records[id] = msgs
	}
	a.mu.Unlock()

	return records, nil, nil
}

// Save replaces one account and rewrites the document through a temp file and rename
func (a *fileArchive) Save(ctx context.Context, accountID string, messages domain.AccountMessages) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.records[accountID] = messages
	data, err := json.MarshalIndent(a.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode message store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".messages-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write message store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write message store: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.path); err != nil {
		return fmt.Errorf("failed to replace message store: %w", err)
	}
	return nil
}

func (a *fileArchive) Close() error { return nil }
