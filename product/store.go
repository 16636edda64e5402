package product

import (
	"context"

	"github.com/xraph/entitle"
)

type Store interface {
	CreateProduct(ctx context.Context, p *Product) error
	// GetProduct returns the given version, or the latest when version is 0.
	GetProduct(ctx context.Context, sc entitle.Scope, productID string, version int) (*Product, error)
	GetDefaultProduct(ctx context.Context, sc entitle.Scope, group string) (*Product, error)
	ListProducts(ctx context.Context, sc entitle.Scope, opts ListOpts) ([]*Product, error)
}

type ListOpts struct {
	Group  string
	Limit  int
	Offset int
}
