package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Product is one entry of the local catalog. The synchronization core only
// needs the id ⇄ SKU correspondence; everything else is descriptive.
type Product struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SKU       string    `gorm:"column:sku;size:190;not null;uniqueIndex" json:"sku"`
	Name      string    `gorm:"column:name;size:320;not null" json:"name"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing catalog products.
func (Product) TableName() string {
	return "products"
}

var (
	// ErrProductNotFound indicates no catalog entry matches the lookup.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrInvalidSKU indicates an empty or oversized SKU.
	ErrInvalidSKU = errors.New("catalog: invalid sku")
)

const maxSKULength = 190

// ServiceConfig describes the dependencies of the catalog service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service resolves products by id or SKU and offers minimal CRUD.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the catalog service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// LookupBySKU resolves a SKU to its product.
func (s *Service) LookupBySKU(ctx context.Context, sku string) (Product, error) {
	normalized, err := normalizeSKU(sku)
	if err != nil {
		return Product{}, err
	}
	var product Product
	err = s.db.WithContext(ctx).Where("sku = ?", normalized).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Product{}, fmt.Errorf("%w: sku %q", ErrProductNotFound, normalized)
	}
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

// LookupByID resolves a product id to its catalog entry.
func (s *Service) LookupByID(ctx context.Context, productID uint) (Product, error) {
	var product Product
	err := s.db.WithContext(ctx).Where("id = ?", productID).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Product{}, fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
	}
	if err != nil {
		return Product{}, err
	}
	return product, nil
}

// CreateProduct persists a new catalog entry.
func (s *Service) CreateProduct(ctx context.Context, sku, name string) (Product, error) {
	normalized, err := normalizeSKU(sku)
	if err != nil {
		return Product{}, err
	}
	product := Product{SKU: normalized, Name: strings.TrimSpace(name)}
	if product.Name == "" {
		product.Name = normalized
	}
	if err := s.db.WithContext(ctx).Create(&product).Error; err != nil {
		return Product{}, err
	}
	return product, nil
}

// ListProducts returns the catalog ordered by id.
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := s.db.WithContext(ctx).Order("id").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func normalizeSKU(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSKU)
	}
	if len(trimmed) > maxSKULength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSKU, maxSKULength)
	}
	return trimmed, nil
}
