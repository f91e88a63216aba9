package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/domain"
)

type fakeSaver struct {
	seen  map[string]bool
	calls int
}

func (f *fakeSaver) Save(_ context.Context, owner string, in domain.ProductInput) (catalog.SaveResult, error) {
	f.calls++
	if err := domain.ValidateProductInput(in); err != nil {
		return catalog.SaveResult{}, err
	}
	if owner == "" {
		return catalog.SaveResult{}, domain.ErrMissingOwner
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	updated := in.SKU != "" && f.seen[in.SKU]
	f.seen[in.SKU] = true
	return catalog.SaveResult{ID: "1", Updated: updated}, nil
}

func TestDecodeProducts(t *testing.T) {
	in := `[{"name":"Running Shoe","price":29900,"description":"Light trainer","sku":"RS-1"}]`
	products, err := decodeProducts(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 || products[0].Name != "Running Shoe" || products[0].Price != 29900 {
		t.Fatalf("unexpected products: %+v", products)
	}
}

func TestDecodeProductsRejectsObject(t *testing.T) {
	if _, err := decodeProducts(strings.NewReader(`{"name":"x"}`)); err == nil {
		t.Fatal("expected error for non-array input")
	}
}

func TestImportAllCounts(t *testing.T) {
	products := []domain.ProductInput{
		{Name: "Running Shoe", Price: 29900, Description: "Light trainer", SKU: "RS-1"},
		{Name: "Running Shoe", Price: 27900, Description: "Light trainer", SKU: "RS-1"},
		{Name: "", Price: 100, Description: "missing name"},
	}
	f := &fakeSaver{}
	sum := importAll(context.Background(), f, "acct-1", products, slog.New(slog.DiscardHandler))

	if sum.Created != 1 || sum.Updated != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if f.calls != 3 {
		t.Fatalf("expected every product attempted, got %d", f.calls)
	}
}

func TestImportAllStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeSaver{}
	sum := importAll(ctx, f, "acct-1", make([]domain.ProductInput, 3), slog.New(slog.DiscardHandler))
	if f.calls != 0 || sum.Failed != 3 {
		t.Fatalf("expected no calls and 3 failures, got calls=%d %+v", f.calls, sum)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatal("context should be cancelled")
	}
}
