// Package catalog owns merchant product catalogs: the Qdrant-backed Store and
// the Service that embeds and writes products through it.
package catalog

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dennj/agnomerchant/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Get(ctx context.Context, in *pb.GetPoints, opts ...grpc.CallOption) (*pb.GetResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
}

// Store is the sole owner of all Qdrant operations. Every read and write that
// touches products is scoped to one merchant through the merchant_id payload.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	vectorName  string
	vectorSize  int
	ids         *idClock
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for degraded lookups.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithVectorSize overrides the expected embedding length (default VectorSize).
func WithVectorSize(n int) Option {
	return func(s *Store) { s.vectorSize = n }
}

// WithClock replaces the id clock; used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.ids = &idClock{now: now} }
}

// New connects to Qdrant's gRPC API at addr. A non-empty apiKey switches the
// connection to TLS and sends the key with every call.
func New(addr, apiKey, collection string, opts ...Option) (*Store, error) {
	dial := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if apiKey != "" {
		dial = []grpc.DialOption{
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
			grpc.WithUnaryInterceptor(apiKeyInterceptor(apiKey)),
		}
	}
	conn, err := grpc.NewClient(addr, dial...)
	if err != nil {
		return nil, fmt.Errorf("catalog: dial qdrant %s: %w", addr, err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, opts...)
	s.conn = conn
	return s, nil
}

// NewWithClients builds a Store over already-constructed clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, opts ...Option) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	s := &Store{
		points:      points,
		collections: collections,
		collection:  collection,
		vectorName:  VectorName,
		vectorSize:  VectorSize,
		ids:         &idClock{now: time.Now},
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Close closes the underlying gRPC connection, if the store owns one.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Collection returns the collection name.
func (s *Store) Collection() string { return s.collection }

// EnsureCollection creates the collection with the named product vector and a
// keyword index on merchant_id if it doesn't exist.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return domain.Dependency("catalog: list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{
				ParamsMap: &pb.VectorParamsMap{
					Map: map[string]*pb.VectorParams{
						s.vectorName: {Size: uint64(dims), Distance: pb.Distance_Cosine},
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Dependency("catalog: create collection "+s.collection, err)
	}

	_, err = s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: s.collection,
		Wait:           proto.Bool(true),
		FieldName:      keyMerchantID,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return domain.Dependency("catalog: index merchant_id", err)
	}
	return nil
}

// Info reports the collection's point count and product vector size.
func (s *Store) Info(ctx context.Context) (CollectionInfo, error) {
	resp, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return CollectionInfo{}, domain.Dependency("catalog: collection info", err)
	}
	info := CollectionInfo{
		Name:        s.collection,
		PointsCount: resp.GetResult().GetPointsCount(),
		VectorSize:  uint64(s.vectorSize),
	}
	named := resp.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()
	if p, ok := named[s.vectorName]; ok && p.GetSize() > 0 {
		info.VectorSize = p.GetSize()
	}
	return info, nil
}

// List returns up to limit products owned by ownerID in index order.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]domain.Product, error) {
	if ownerID == "" {
		return nil, domain.ErrMissingOwner
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: s.collection,
		Filter:         ownerFilter(ownerID),
		Limit:          proto.Uint32(uint32(limit)),
		WithPayload:    payloadOn(),
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: false}},
	})
	if err != nil {
		return nil, domain.Dependency("catalog: scroll", err)
	}

	products := make([]domain.Product, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		products = append(products, fromPayload(p.GetId(), p.GetPayload()))
	}
	return products, nil
}

// Upsert writes one product point. With an empty existingID a new id is
// allocated; otherwise the point at existingID is overwritten. Ownership of
// existingID is the caller's responsibility.
func (s *Store) Upsert(ctx context.Context, ownerID string, in domain.ProductInput, embedding []float32, existingID string) (UpsertResult, error) {
	if ownerID == "" {
		return UpsertResult{}, domain.ErrMissingOwner
	}
	if s.vectorSize > 0 && len(embedding) != s.vectorSize {
		return UpsertResult{}, domain.NewValidationError("embedding", fmt.Sprintf("%d dims", len(embedding)), fmt.Errorf("want %d dims", s.vectorSize))
	}

	res := UpsertResult{ID: existingID}
	var pointID *pb.PointId
	if existingID == "" {
		n := s.ids.next()
		pointID = numericPointID(n)
		res.ID = formatPointID(pointID)
		res.Created = true
	} else {
		var err error
		if pointID, err = parsePointID(existingID); err != nil {
			return UpsertResult{}, err
		}
		res.ID = formatPointID(pointID)
	}
	if in.SKU == "" {
		in.SKU = defaultSKU(res.ID)
	}

	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           proto.Bool(true),
		Points: []*pb.PointStruct{{
			Id: pointID,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vectors{
					Vectors: &pb.NamedVectors{
						Vectors: map[string]*pb.Vector{s.vectorName: {Data: embedding}},
					},
				},
			},
			Payload: toPayload(ownerID, in),
		}},
	})
	if err != nil {
		return UpsertResult{}, domain.Dependency("catalog: upsert "+res.ID, err)
	}
	return res, nil
}

// FindBySKU scans the owner's first page of products for a matching SKU.
// Index failures degrade to "not found" so that creation can proceed; the
// failure is logged and carried in SKULookup.Err.
func (s *Store) FindBySKU(ctx context.Context, ownerID, sku string) SKULookup {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return SKULookup{}
	}
	products, err := s.List(ctx, ownerID, DefaultListLimit)
	if err != nil {
		s.logger.Warn("catalog: sku lookup failed, treating as not found", "owner", ownerID, "sku", sku, "err", err)
		return SKULookup{Err: err}
	}
	for _, p := range products {
		if p.SKU == sku {
			return SKULookup{Product: p, Found: true}
		}
	}
	return SKULookup{}
}

// Get retrieves one product by id regardless of owner.
func (s *Store) Get(ctx context.Context, productID string) (domain.Product, bool, error) {
	pointID, err := parsePointID(productID)
	if err != nil {
		return domain.Product{}, false, err
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            []*pb.PointId{pointID},
		WithPayload:    payloadOn(),
	})
	if err != nil {
		return domain.Product{}, false, domain.Dependency("catalog: get "+productID, err)
	}
	if len(resp.GetResult()) == 0 {
		return domain.Product{}, false, nil
	}
	p := resp.GetResult()[0]
	return fromPayload(p.GetId(), p.GetPayload()), true, nil
}

// Delete removes a product by id. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, productID string) error {
	pointID, err := parsePointID(productID)
	if err != nil {
		return err
	}
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           proto.Bool(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID}},
			},
		},
	})
	if err != nil {
		return domain.Dependency("catalog: delete "+productID, err)
	}
	return nil
}

// Search returns the limit nearest products owned by ownerID.
func (s *Store) Search(ctx context.Context, ownerID string, vector []float32, limit int) ([]SearchResult, error) {
	if ownerID == "" {
		return nil, domain.ErrMissingOwner
	}
	if limit <= 0 {
		limit = 10
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		VectorName:     proto.String(s.vectorName),
		Filter:         ownerFilter(ownerID),
		Limit:          uint64(limit),
		WithPayload:    payloadOn(),
	})
	if err != nil {
		return nil, domain.Dependency("catalog: search", err)
	}

	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		results = append(results, SearchResult{
			Product: fromPayload(r.GetId(), r.GetPayload()),
			Score:   r.GetScore(),
		})
	}
	return results, nil
}

func payloadOn() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func ownerFilter(ownerID string) *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{fieldMatch(keyMerchantID, ownerID)}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// idClock hands out millisecond timestamps, bumped by one when two calls land
// in the same millisecond.
type idClock struct {
	last atomic.Uint64
	now  func() time.Time
}

func (c *idClock) next() uint64 {
	for {
		prev := c.last.Load()
		n := uint64(c.now().UnixMilli())
		if n <= prev {
			n = prev + 1
		}
		if c.last.CompareAndSwap(prev, n) {
			return n
		}
	}
}
