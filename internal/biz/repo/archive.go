package repo

import (
	"context"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
)

// MessageArchive is the durable layout of the message cache:
// one record per account mapping conversation ID to its ordered messages
type MessageArchive interface {
	// Load reads every account record. Corrupt records are reported in
	// corrupted and left out of the result; a non-nil error means the
	// archive itself could not be read.
	Load(ctx context.Context) (records map[string]domain.AccountMessages, corrupted []error, err error)

	// Save replaces the record of one account
	Save(ctx context.Context, accountID string, messages domain.AccountMessages) error

	Close() error
}
