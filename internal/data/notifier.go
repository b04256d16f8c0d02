package data

import (
	"context"
	"fmt"

	"github.com/dlchats/accounts-bridge/internal/biz/repo"
	"github.com/dlchats/accounts-bridge/internal/infra/feishu"
)

type textSender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// feishuNotifier posts operator alerts to one Feishu chat
type feishuNotifier struct {
	client textSender
	chatID string
}

// NewFeishuNotifier creates a Notifier posting to chatID
func NewFeishuNotifier(client *feishu.Client, chatID string) repo.Notifier {
	return &feishuNotifier{client: client, chatID: chatID}
}

func (n *feishuNotifier) Notify(ctx context.Context, accountID, text string) error {
	return n.client.SendText(ctx, n.chatID, fmt.Sprintf("[%s] %s", accountID, text))
}
