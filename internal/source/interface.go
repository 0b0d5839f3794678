package source

import (
	"context"
	"encoding/json"

	"github.com/bookmarked/rostercache/internal/domain"
)

// Page is one slice of an entity listing.
type Page struct {
	Records []json.RawMessage
	HasMore bool
	// Total is the server's estimate of the full listing size, or -1.
	Total int
}

// Pager fetches one page of an entity listing.
type Pager interface {
	// FetchPage fetches up to limit records starting at offset.
	// Parameters:
	//   - ctx: context for cancellation and the per-request deadline.
	//   - entity: entity type to list.
	//   - offset: zero-based record offset.
	//   - limit: page size.
	// Returns:
	//   - *Page: records in API order.
	//   - error: a *domain.FetchError telling transient from fatal.
	FetchPage(ctx context.Context, entity domain.EntityType, offset, limit int) (*Page, error)
}
