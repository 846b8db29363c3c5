package ports

import (
	"context"
	"errors"

	"leadflow/internal/domain/engagement"
)

var ErrPollingUnsupported = errors.New("platform does not support polling")

// Classifier labels the intent and sentiment of a message.
type Classifier interface {
	Classify(ctx context.Context, text string, cc engagement.ClassifyContext) (engagement.Classification, error)
}

// PlatformFetcher pulls recent posts and comments of a connected account
// from the platform API and returns them in canonical form.
type PlatformFetcher interface {
	Fetch(ctx context.Context, account Account) (engagement.Normalized, error)
}
