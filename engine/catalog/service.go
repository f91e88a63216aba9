package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dennj/agnomerchant/engine/domain"
)

// Embedder maps text to a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ProductStore is the storage surface the Service needs; *Store implements it.
type ProductStore interface {
	Info(ctx context.Context) (CollectionInfo, error)
	List(ctx context.Context, ownerID string, limit int) ([]domain.Product, error)
	Upsert(ctx context.Context, ownerID string, in domain.ProductInput, embedding []float32, existingID string) (UpsertResult, error)
	FindBySKU(ctx context.Context, ownerID, sku string) SKULookup
	Get(ctx context.Context, productID string) (domain.Product, bool, error)
	Delete(ctx context.Context, productID string) error
}

// Event types published after catalog writes.
const (
	EventUpserted = "upserted"
	EventDeleted  = "deleted"
)

// Event describes one catalog write.
type Event struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"owner_id"`
	ProductID string    `json:"product_id"`
	Updated   bool      `json:"updated,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives catalog events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// SaveResult is returned by Save and Update.
type SaveResult struct {
	ID      string `json:"id"`
	Updated bool   `json:"updated"`
}

// Listing is a page of an owner's catalog plus collection metadata.
type Listing struct {
	Products   []domain.Product `json:"products"`
	Collection CollectionInfo   `json:"collectionInfo"`
}

// Service runs the merchant-facing catalog operations.
type Service struct {
	store  ProductStore
	embed  Embedder
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a catalog Service. notify may be nil.
func NewService(store ProductStore, embed Embedder, notify Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, embed: embed, notify: notify, logger: logger, now: time.Now}
}

// Save creates a product, or overwrites the owner's product carrying the same
// SKU. The embedding is always recomputed from name and description.
func (s *Service) Save(ctx context.Context, ownerID string, in domain.ProductInput) (SaveResult, error) {
	if ownerID == "" {
		return SaveResult{}, domain.ErrMissingOwner
	}
	in = in.Normalize()
	if err := domain.ValidateProductInput(in); err != nil {
		return SaveResult{}, err
	}

	vec, err := s.embedProduct(ctx, in)
	if err != nil {
		return SaveResult{}, err
	}

	existingID := ""
	if in.SKU != "" {
		if lk := s.store.FindBySKU(ctx, ownerID, in.SKU); lk.Found {
			existingID = lk.Product.ID
		}
	}

	res, err := s.store.Upsert(ctx, ownerID, in, vec, existingID)
	if err != nil {
		return SaveResult{}, err
	}
	out := SaveResult{ID: res.ID, Updated: !res.Created}
	s.publish(ctx, Event{Type: EventUpserted, OwnerID: ownerID, ProductID: out.ID, Updated: out.Updated})
	s.logger.Info("catalog: product saved", "owner", ownerID, "id", out.ID, "updated", out.Updated)
	return out, nil
}

// Update overwrites the product at productID, which must belong to ownerID.
func (s *Service) Update(ctx context.Context, ownerID, productID string, in domain.ProductInput) (SaveResult, error) {
	if ownerID == "" {
		return SaveResult{}, domain.ErrMissingOwner
	}
	in = in.Normalize()
	if err := domain.ValidateProductInput(in); err != nil {
		return SaveResult{}, err
	}
	if err := s.checkOwner(ctx, ownerID, productID, false); err != nil {
		return SaveResult{}, err
	}

	vec, err := s.embedProduct(ctx, in)
	if err != nil {
		return SaveResult{}, err
	}
	res, err := s.store.Upsert(ctx, ownerID, in, vec, productID)
	if err != nil {
		return SaveResult{}, err
	}
	s.publish(ctx, Event{Type: EventUpserted, OwnerID: ownerID, ProductID: res.ID, Updated: true})
	return SaveResult{ID: res.ID, Updated: true}, nil
}

// Delete removes productID if ownerID owns it. A product that no longer
// exists is treated as already deleted.
func (s *Service) Delete(ctx context.Context, ownerID, productID string) error {
	if ownerID == "" {
		return domain.ErrMissingOwner
	}
	if err := s.checkOwner(ctx, ownerID, productID, true); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, productID); err != nil {
		return err
	}
	s.publish(ctx, Event{Type: EventDeleted, OwnerID: ownerID, ProductID: productID})
	return nil
}

// List returns up to limit of the owner's products with collection metadata.
func (s *Service) List(ctx context.Context, ownerID string, limit int) (Listing, error) {
	if ownerID == "" {
		return Listing{}, domain.ErrMissingOwner
	}
	info, err := s.store.Info(ctx)
	if err != nil {
		return Listing{}, err
	}
	products, err := s.store.List(ctx, ownerID, limit)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Products: products, Collection: info}, nil
}

// checkOwner fails with ErrForbidden when productID belongs to another owner.
// A missing product is ErrNotFound unless missingOK.
func (s *Service) checkOwner(ctx context.Context, ownerID, productID string, missingOK bool) error {
	p, found, err := s.store.Get(ctx, productID)
	if err != nil {
		return err
	}
	if !found {
		if missingOK {
			return nil
		}
		return fmt.Errorf("catalog: product %s: %w", productID, domain.ErrNotFound)
	}
	if p.MerchantID != ownerID {
		return domain.ErrForbidden
	}
	return nil
}

func (s *Service) embedProduct(ctx context.Context, in domain.ProductInput) ([]float32, error) {
	vec, err := s.embed.Embed(ctx, in.EmbeddingText())
	if err != nil {
		return nil, domain.Dependency("catalog: embed product", err)
	}
	return vec, nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if s.notify == nil {
		return
	}
	ev.At = s.now().UTC()
	if err := s.notify.Notify(ctx, ev); err != nil {
		s.logger.Warn("catalog: event publish failed", "type", ev.Type, "id", ev.ProductID, "err", err)
	}
}
