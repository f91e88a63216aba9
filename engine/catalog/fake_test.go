package catalog

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

type storedPoint struct {
	id      *pb.PointId
	vector  []float32
	payload map[string]*pb.Value
}

// fakeQdrant is an in-memory points+collections backend. It honors keyword
// field filters, named vectors and cosine ranking.
type fakeQdrant struct {
	mu          sync.Mutex
	points      map[string]storedPoint
	collections map[string]*pb.VectorParamsMap
	indexed     []string

	scrollErr error
	searchErr error
	upsertErr error
	getErr    error
	upserts   int
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		points:      make(map[string]storedPoint),
		collections: make(map[string]*pb.VectorParamsMap),
	}
}

func matches(f *pb.Filter, payload map[string]*pb.Value) bool {
	for _, c := range f.GetMust() {
		fc := c.GetField()
		if fc == nil {
			continue
		}
		if payload[fc.GetKey()].GetStringValue() != fc.GetMatch().GetKeyword() {
			return false
		}
	}
	return true
}

func (f *fakeQdrant) sorted() []storedPoint {
	out := make([]storedPoint, 0, len(f.points))
	for _, p := range f.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := formatPointID(out[i].id), formatPointID(out[j].id)
		an, aerr := strconv.ParseUint(a, 10, 64)
		bn, berr := strconv.ParseUint(b, 10, 64)
		if aerr == nil && berr == nil {
			return an < bn
		}
		return a < b
	})
	return out
}

func (f *fakeQdrant) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	for _, p := range in.GetPoints() {
		vec := p.GetVectors().GetVectors().GetVectors()[VectorName].GetData()
		f.points[formatPointID(p.GetId())] = storedPoint{id: p.GetId(), vector: vec, payload: p.GetPayload()}
		f.upserts++
	}
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakeQdrant) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.GetPoints().GetPoints().GetIds() {
		delete(f.points, formatPointID(id))
	}
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakeQdrant) Get(_ context.Context, in *pb.GetPoints, _ ...grpc.CallOption) (*pb.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := &pb.GetResponse{}
	for _, id := range in.GetIds() {
		if p, ok := f.points[formatPointID(id)]; ok {
			resp.Result = append(resp.Result, &pb.RetrievedPoint{Id: p.id, Payload: p.payload})
		}
	}
	return resp, nil
}

func (f *fakeQdrant) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scrollErr != nil {
		return nil, f.scrollErr
	}
	resp := &pb.ScrollResponse{}
	for _, p := range f.sorted() {
		if uint32(len(resp.Result)) >= in.GetLimit() {
			break
		}
		if matches(in.GetFilter(), p.payload) {
			resp.Result = append(resp.Result, &pb.RetrievedPoint{Id: p.id, Payload: p.payload})
		}
	}
	return resp, nil
}

func (f *fakeQdrant) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var scored []*pb.ScoredPoint
	for _, p := range f.sorted() {
		if in.GetVectorName() != VectorName || !matches(in.GetFilter(), p.payload) {
			continue
		}
		scored = append(scored, &pb.ScoredPoint{Id: p.id, Payload: p.payload, Score: cosine(in.GetVector(), p.vector)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if uint64(len(scored)) > in.GetLimit() {
		scored = scored[:in.GetLimit()]
	}
	return &pb.SearchResponse{Result: scored}, nil
}

func (f *fakeQdrant) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, in.GetFieldName())
	return &pb.PointsOperationResponse{}, nil
}

// fakeCollections shares state with fakeQdrant; it is a separate type
// because both gRPC clients have Get and List methods with different shapes.
type fakeCollections struct{ q *fakeQdrant }

func (c fakeCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	resp := &pb.ListCollectionsResponse{}
	for name := range c.q.collections {
		resp.Collections = append(resp.Collections, &pb.CollectionDescription{Name: name})
	}
	return resp, nil
}

func (c fakeCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	c.q.collections[in.GetCollectionName()] = in.GetVectorsConfig().GetParamsMap()
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func (c fakeCollections) Get(_ context.Context, in *pb.GetCollectionInfoRequest, _ ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()
	count := uint64(len(c.q.points))
	return &pb.GetCollectionInfoResponse{Result: &pb.CollectionInfo{
		PointsCount: &count,
		Config: &pb.CollectionConfig{Params: &pb.CollectionParams{VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_ParamsMap{ParamsMap: c.q.collections[in.GetCollectionName()]},
		}}},
	}}, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// unitVec returns a dims-long vector with 1 at position i.
func unitVec(dims, i int) []float32 {
	v := make([]float32, dims)
	v[i%dims] = 1
	return v
}
