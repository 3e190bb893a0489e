package secrets

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const defaultFallbackFile = ".secrets.local"

// NewFetcherFromEnv builds a Fetcher from API_* settings. The Secret Manager project falls back to the Firebase project.
func NewFetcherFromEnv(ctx context.Context, logger *zap.Logger, env map[string]string) (*Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = defaultFallbackFile
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []Option{
		WithLogger(logger.Named("secrets")),
		WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return NewFetcher(ctx, opts...)
}
