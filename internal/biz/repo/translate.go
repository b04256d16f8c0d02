package repo

import "context"

// Translator is the stateless text-translation collaborator
type Translator interface {
	// Translate returns text translated to targetLang (a language code).
	// Failures are *domain.TranslationError and are not retried.
	Translate(ctx context.Context, text, targetLang string) (string, error)
}
