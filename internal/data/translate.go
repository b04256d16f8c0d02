package data

import (
	"context"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/biz/repo"
	"github.com/dlchats/accounts-bridge/internal/infra/openai"
)

// completionClient is the part of the OpenAI client used for translation
type completionClient interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// translator implements the Translator repository
type translator struct {
	client completionClient
}

// NewTranslator creates a Translator backed by an OpenAI-compatible API
func NewTranslator(client *openai.Client) repo.Translator {
	return &translator{client: client}
}

func (t *translator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	out, err := t.client.Translate(ctx, text, targetLang)
	if err != nil {
		return "", &domain.TranslationError{TargetLang: targetLang, Err: err}
	}
	return out, nil
}
