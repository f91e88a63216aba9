package catalog

import (
	"errors"
	"testing"

	"github.com/dennj/agnomerchant/engine/domain"
	pb "github.com/qdrant/go-client/qdrant"
)

func TestFromPayloadReadsLegacyKeys(t *testing.T) {
	payload := map[string]*pb.Value{
		"merchant_id":       stringValue("m1"),
		"Name":              stringValue("Old Shoe"),
		"Description":       stringValue("From before"),
		"Short_description": stringValue("Old"),
		"SKU":               stringValue("OLD-1"),
		"price":             {Kind: &pb.Value_DoubleValue{DoubleValue: 1999.6}},
	}
	p := fromPayload(numericPointID(7), payload)
	if p.ID != "7" || p.Name != "Old Shoe" || p.Description != "From before" || p.ShortDescription != "Old" || p.SKU != "OLD-1" {
		t.Fatalf("unexpected product %+v", p)
	}
	if p.Price != 2000 {
		t.Fatalf("expected rounded price 2000, got %d", p.Price)
	}
}

func TestCanonicalKeysWinOverLegacy(t *testing.T) {
	payload := map[string]*pb.Value{
		"product_name": stringValue("New"),
		"Name":         stringValue("Old"),
	}
	if p := fromPayload(numericPointID(1), payload); p.Name != "New" {
		t.Fatalf("expected canonical name, got %q", p.Name)
	}
}

func TestToPayloadRoundTrip(t *testing.T) {
	in := domain.ProductInput{Name: "Shoe", Price: 500, Description: "d", ShortDescription: "s", ImageURL: "u", SKU: "k"}
	p := fromPayload(numericPointID(3), toPayload("m1", in))
	if p.MerchantID != "m1" || p.Name != in.Name || p.Price != in.Price || p.ImageURL != "u" || p.SKU != "k" {
		t.Fatalf("unexpected product %+v", p)
	}
}

func TestParsePointID(t *testing.T) {
	id, err := parsePointID("1700000000000")
	if err != nil || formatPointID(id) != "1700000000000" {
		t.Fatalf("numeric id: %v %v", id, err)
	}
	id, err = parsePointID("5F8A3B2C-0000-4000-8000-000000000001")
	if err != nil || formatPointID(id) != "5f8a3b2c-0000-4000-8000-000000000001" {
		t.Fatalf("uuid id: %v %v", formatPointID(id), err)
	}
	if _, err := parsePointID("abc"); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
