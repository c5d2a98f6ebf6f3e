package persona

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory. Either way the default personas are present.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(Defaults()...), nil
	}
	return NewPostgresStore(ctx, databaseURL, Defaults()...)
}
