// Command import loads a JSON array of products into one account's catalog.
// Products are embedded and upserted through the same catalog service the API
// uses, so a product whose SKU already exists is updated in place.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/domain"
	"github.com/dennj/agnomerchant/pkg/llm"
)

type saver interface {
	Save(ctx context.Context, ownerID string, in domain.ProductInput) (catalog.SaveResult, error)
}

// summary counts the outcome of an import.
type summary struct {
	Created int
	Updated int
	Failed  int
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("could not read .env", "err", err)
	}

	var (
		accountID  = flag.String("account", "", "account id that owns the imported products (required)")
		file       = flag.String("file", "-", "JSON file with an array of products, - for stdin")
		qdrantURL  = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", catalog.DefaultCollection), "Qdrant collection")
	)
	flag.Parse()

	if *accountID == "" {
		fmt.Fprintln(os.Stderr, "import: -account is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	products, err := readProducts(*file)
	if err != nil {
		logger.Error("read products", "err", err)
		os.Exit(1)
	}

	store, err := catalog.New(*qdrantURL, os.Getenv("QDRANT_API_KEY"), *collection, catalog.WithLogger(logger))
	if err != nil {
		logger.Error("qdrant connect", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	model := llm.New(llm.Config{
		APIKey:     os.Getenv("OPENAI_API_KEY"),
		BaseURL:    os.Getenv("OPENAI_BASE_URL"),
		EmbedModel: envOr("EMBED_MODEL", llm.DefaultEmbedModel),
	})
	if err := store.EnsureCollection(ctx, model.Dimensions()); err != nil {
		logger.Error("ensure collection", "err", err)
		os.Exit(1)
	}

	svc := catalog.NewService(store, model, nil, logger)
	sum := importAll(ctx, svc, *accountID, products, logger)
	logger.Info("import finished", "account", *accountID, "created", sum.Created, "updated", sum.Updated, "failed", sum.Failed)
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func readProducts(path string) ([]domain.ProductInput, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return decodeProducts(r)
}

func decodeProducts(r io.Reader) ([]domain.ProductInput, error) {
	var products []domain.ProductInput
	if err := json.NewDecoder(r).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	return products, nil
}

// importAll saves products one by one. A failing product is logged and
// counted; the rest still run. Cancelling ctx stops before the next product.
func importAll(ctx context.Context, svc saver, accountID string, products []domain.ProductInput, logger *slog.Logger) summary {
	var sum summary
	for i, p := range products {
		if ctx.Err() != nil {
			sum.Failed += len(products) - i
			break
		}
		res, err := svc.Save(ctx, accountID, p)
		if err != nil {
			sum.Failed++
			logger.Warn("product not imported", "index", i, "name", p.Name, "err", err)
			continue
		}
		if res.Updated {
			sum.Updated++
		} else {
			sum.Created++
		}
	}
	return sum
}
