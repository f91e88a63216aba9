package catalog

import (
	"fmt"
	"math"
	"strconv"

	"github.com/dennj/agnomerchant/engine/domain"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
)

// Payload keys written for every product.
const (
	keyMerchantID       = "merchant_id"
	keyName             = "product_name"
	keyPrice            = "price"
	keyDescription      = "description"
	keyShortDescription = "short_description"
	keyImageURL         = "image_url"
	keySKU              = "sku"
)

// Older points were written with these spellings; they are read, never written.
var legacyKeys = map[string][]string{
	keyName:             {"Name"},
	keyDescription:      {"Description"},
	keyShortDescription: {"Short_description"},
	keySKU:              {"SKU"},
}

func toPayload(ownerID string, p domain.ProductInput) map[string]*pb.Value {
	return map[string]*pb.Value{
		keyMerchantID:       stringValue(ownerID),
		keyName:             stringValue(p.Name),
		keyPrice:            {Kind: &pb.Value_IntegerValue{IntegerValue: p.Price}},
		keyDescription:      stringValue(p.Description),
		keyShortDescription: stringValue(p.ShortDescription),
		keyImageURL:         stringValue(p.ImageURL),
		keySKU:              stringValue(p.SKU),
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// fromPayload normalizes a stored payload into the canonical Product shape.
func fromPayload(id *pb.PointId, payload map[string]*pb.Value) domain.Product {
	return domain.Product{
		ID:               formatPointID(id),
		MerchantID:       payloadString(payload, keyMerchantID),
		Name:             payloadString(payload, keyName),
		Price:            payloadPrice(payload[keyPrice]),
		Description:      payloadString(payload, keyDescription),
		ShortDescription: payloadString(payload, keyShortDescription),
		ImageURL:         payloadString(payload, keyImageURL),
		SKU:              payloadString(payload, keySKU),
	}
}

func payloadString(payload map[string]*pb.Value, key string) string {
	if s := payload[key].GetStringValue(); s != "" {
		return s
	}
	for _, alt := range legacyKeys[key] {
		if s := payload[alt].GetStringValue(); s != "" {
			return s
		}
	}
	return ""
}

// payloadPrice accepts integer prices and coerces legacy float prices by rounding.
func payloadPrice(v *pb.Value) int64 {
	switch k := v.GetKind().(type) {
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return int64(math.Round(k.DoubleValue))
	case *pb.Value_StringValue:
		n, _ := strconv.ParseInt(k.StringValue, 10, 64)
		return n
	default:
		return 0
	}
}

// parsePointID accepts numeric ids (the default) and UUIDs.
func parsePointID(id string) (*pb.PointId, error) {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return numericPointID(n), nil
	}
	if u, err := uuid.Parse(id); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}, nil
	}
	return nil, domain.NewValidationError("id", id, domain.ErrInvalidID)
}

func numericPointID(n uint64) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: n}}
}

func formatPointID(id *pb.PointId) string {
	switch o := id.GetPointIdOptions().(type) {
	case *pb.PointId_Num:
		return strconv.FormatUint(o.Num, 10)
	case *pb.PointId_Uuid:
		return o.Uuid
	default:
		return ""
	}
}

func defaultSKU(id string) string {
	return fmt.Sprintf("SKU-%s", id)
}
