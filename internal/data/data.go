package data

import (
	"fmt"
	"path/filepath"

	"github.com/dlchats/accounts-bridge/internal/biz/repo"
	"github.com/dlchats/accounts-bridge/internal/infra/feishu"
	"github.com/dlchats/accounts-bridge/internal/infra/openai"
)

// Archive backends
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Repositories contains all repositories
type Repositories struct {
	Archive    repo.MessageArchive
	Translator repo.Translator // nil when translation is not configured
	Notifier   repo.Notifier   // nil when alerts are not configured
}

// Options selects and configures the repositories
type Options struct {
	Backend string
	DataDir string

	OpenAI *openai.Client

	Feishu      *feishu.Client
	AlertChatID string
}

// NewRepositories creates all repositories
func NewRepositories(opts Options) (*Repositories, error) {
	archive, err := NewArchive(opts.Backend, opts.DataDir)
	if err != nil {
		return nil, err
	}

	repos := &Repositories{Archive: archive}
	if opts.OpenAI != nil {
		repos.Translator = NewTranslator(opts.OpenAI)
	}
	if opts.Feishu != nil && opts.AlertChatID != "" {
		repos.Notifier = NewFeishuNotifier(opts.Feishu, opts.AlertChatID)
	}
	return repos, nil
}

// NewArchive opens the message archive of the given backend under dataDir
func NewArchive(backend, dataDir string) (repo.MessageArchive, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteArchive(filepath.Join(dataDir, "messages.db"))
	case BackendFile:
		return NewFileArchive(filepath.Join(dataDir, "messages.json"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
