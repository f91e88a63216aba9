package domain

import (
	"fmt"
	"strings"
)

// Product is a catalog entry as stored in the vector index.
// Price is an integer amount in minor currency units (cents).
type Product struct {
	ID               string `json:"id"`
	MerchantID       string `json:"merchant_id"`
	Name             string `json:"product_name"`
	Price            int64  `json:"price"`
	Description      string `json:"description"`
	ShortDescription string `json:"short_description,omitempty"`
	ImageURL         string `json:"image_url,omitempty"`
	SKU              string `json:"sku,omitempty"`
}

// ProductInput is the merchant-submitted part of a Product.
type ProductInput struct {
	Name             string `json:"name"`
	Price            int64  `json:"price"`
	Description      string `json:"description"`
	ShortDescription string `json:"short_description,omitempty"`
	ImageURL         string `json:"image_url,omitempty"`
	SKU              string `json:"sku,omitempty"`
}

// Normalize trims surrounding whitespace from every text field.
func (in ProductInput) Normalize() ProductInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.ShortDescription = strings.TrimSpace(in.ShortDescription)
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	in.SKU = strings.TrimSpace(in.SKU)
	return in
}

// EmbeddingText is the text a product's vector is derived from.
func (in ProductInput) EmbeddingText() string {
	return in.Name + " " + in.Description
}

// ValidateProductInput checks the fields required at creation and update.
func ValidateProductInput(in ProductInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return NewValidationError("name", in.Name, ErrRequired)
	}
	if strings.TrimSpace(in.Description) == "" {
		return NewValidationError("description", in.Description, ErrRequired)
	}
	if in.Price <= 0 {
		return NewValidationError("price", fmt.Sprintf("%d", in.Price), ErrNonPositivePrice)
	}
	return nil
}

// FormatPrice renders minor units as a dollar amount, e.g. 29900 -> "$299.00".
func FormatPrice(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s$%d.%02d", sign, minor/100, minor%100)
}
