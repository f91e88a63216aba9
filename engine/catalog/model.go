package catalog

import "github.com/dennj/agnomerchant/engine/domain"

const (
	// DefaultCollection is the Qdrant collection holding every merchant's catalog.
	DefaultCollection = "agnopay"
	// VectorName is the named vector products are indexed under.
	VectorName = "text"
	// VectorSize must match the embedding dimensionality.
	VectorSize = 384
	// DefaultListLimit bounds List and the SKU scan when the caller passes no limit.
	DefaultListLimit = 100
)

// SearchResult is a ranked, read-only projection of a product.
type SearchResult struct {
	domain.Product
	Score float32 `json:"score"`
}

// UpsertResult reports the id written and whether it is a new identity.
type UpsertResult struct {
	ID      string
	Created bool
}

// SKULookup is the outcome of FindBySKU. Err is set when the lookup degraded
// to "not found" because the index failed; it is informational, never raised.
type SKULookup struct {
	Product domain.Product
	Found   bool
	Err     error
}

// CollectionInfo describes the backing collection.
type CollectionInfo struct {
	Name        string `json:"name"`
	PointsCount uint64 `json:"pointsCount"`
	VectorSize  uint64 `json:"vectorSize"`
}
