package repo

import "context"

// Notifier delivers operator alerts outside the dashboard
type Notifier interface {
	Notify(ctx context.Context, accountID, text string) error
}
