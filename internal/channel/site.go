package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConnectionStatus tracks whether a site's credentials are currently usable.
type ConnectionStatus string

const (
	// StatusConnected marks a site whose credentials were last seen working.
	StatusConnected ConnectionStatus = "connected"
	// StatusDisconnected marks a site whose credentials were rejected; the
	// site stops being treated as active until reconnected out-of-band.
	StatusDisconnected ConnectionStatus = "disconnected"
)

// SiteConnection is one configured external channel instance. The core treats
// these rows as a read-only directory; only credential refresh and
// disconnection flow back through it.
type SiteConnection struct {
	ID       uint             `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name     string           `gorm:"column:name;size:190;not null;uniqueIndex" json:"name"`
	Protocol Protocol         `gorm:"column:protocol;size:32;not null" json:"protocol"`
	Enabled  bool             `gorm:"column:enabled;not null;default:true" json:"enabled"`
	Mode     SyncMode         `gorm:"column:sync_mode;size:32;not null;default:'off'" json:"mode"`
	Status   ConnectionStatus `gorm:"column:status;size:32;not null;default:'connected'" json:"status"`

	BaseURL string `gorm:"column:base_url;size:512;not null" json:"base_url"`

	// Storefront credentials (basic auth). Credentials never serialize
	// outward.
	APIKey string `gorm:"column:api_key;size:190" json:"-"`

	// Marketplace credentials (OAuth2).
	ClientID       string     `gorm:"column:client_id;size:190" json:"-"`
	ClientSecret   string     `gorm:"column:client_secret;size:190" json:"-"`
	AccessToken    string     `gorm:"column:access_token;size:512" json:"-"`
	RefreshToken   string     `gorm:"column:refresh_token;size:512" json:"-"`
	TokenExpiresAt *time.Time `gorm:"column:token_expires_at" json:"token_expires_at,omitempty"`
	SellerID       string     `gorm:"column:seller_id;size:190;index" json:"seller_id"`

	// WebhookSecret authenticates inbound marketplace notifications. Empty
	// means the site accepts unsigned webhooks.
	WebhookSecret string `gorm:"column:webhook_secret;size:190" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing site connections.
func (SiteConnection) TableName() string {
	return "site_connections"
}

// HasCredentials reports whether the site carries enough credentials for its
// protocol to attempt an outbound call.
func (s SiteConnection) HasCredentials() bool {
	if s.BaseURL == "" {
		return false
	}
	switch s.Protocol {
	case ProtocolStorefront:
		return s.APIKey != ""
	case ProtocolMarketplace:
		return s.RefreshToken != "" || s.AccessToken != ""
	default:
		return false
	}
}

// Active reports whether the site should participate in synchronization.
func (s SiteConnection) Active() bool {
	return s.Enabled && s.Status == StatusConnected && s.Mode != SyncModeOff
}

// ErrSiteNotFound indicates the requested site connection does not exist.
var ErrSiteNotFound = errors.New("channel: site connection not found")

// DirectoryConfig describes the dependencies of the site directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Directory serves site connections to the core and persists credential
// updates produced by the marketplace adapter.
type Directory struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDirectory constructs the site directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("channel: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, logger: logger}, nil
}

// SiteByID returns one site connection.
func (d *Directory) SiteByID(ctx context.Context, siteID uint) (SiteConnection, error) {
	var site SiteConnection
	err := d.db.WithContext(ctx).Where("id = ?", siteID).Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SiteConnection{}, ErrSiteNotFound
	}
	if err != nil {
		return SiteConnection{}, err
	}
	return site, nil
}

// SiteBySellerID correlates a marketplace webhook's user id to a site.
func (d *Directory) SiteBySellerID(ctx context.Context, sellerID string) (SiteConnection, error) {
	if sellerID == "" {
		return SiteConnection{}, ErrSiteNotFound
	}
	var site SiteConnection
	err := d.db.WithContext(ctx).
		Where("protocol = ? AND seller_id = ?", ProtocolMarketplace, sellerID).
		Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SiteConnection{}, ErrSiteNotFound
	}
	if err != nil {
		return SiteConnection{}, err
	}
	return site, nil
}

// ActiveSites lists enabled, connected sites in a stable order.
func (d *Directory) ActiveSites(ctx context.Context) ([]SiteConnection, error) {
	var sites []SiteConnection
	err := d.db.WithContext(ctx).
		Where("enabled = ? AND status = ?", true, StatusConnected).
		Order("id").
		Find(&sites).Error
	if err != nil {
		return nil, err
	}
	return sites, nil
}

// ListSites returns every configured site connection.
func (d *Directory) ListSites(ctx context.Context) ([]SiteConnection, error) {
	var sites []SiteConnection
	if err := d.db.WithContext(ctx).Order("id").Find(&sites).Error; err != nil {
		return nil, err
	}
	return sites, nil
}

// CreateSite persists a new site connection row. Configuration UIs own the
// lifecycle; this exists so the directory is operable.
func (d *Directory) CreateSite(ctx context.Context, site *SiteConnection) error {
	if site == nil {
		return fmt.Errorf("channel: site connection required")
	}
	if _, err := ParseProtocol(string(site.Protocol)); err != nil {
		return err
	}
	if _, err := ParseSyncMode(string(site.Mode)); err != nil {
		return err
	}
	if site.Status == "" {
		site.Status = StatusConnected
	}
	return d.db.WithContext(ctx).Create(site).Error
}

// UpdateToken persists a refreshed marketplace access token.
func (d *Directory) UpdateToken(ctx context.Context, siteID uint, accessToken, refreshToken string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token":     accessToken,
		"token_expires_at": expiresAt,
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return d.db.WithContext(ctx).
		Model(&SiteConnection{}).
		Where("id = ?", siteID).
		Updates(updates).Error
}

// MarkDisconnected flags a site whose credentials were rejected twice in a row.
func (d *Directory) MarkDisconnected(ctx context.Context, siteID uint) error {
	d.logger.Warn("marking site connection disconnected", zap.Uint("site_id", siteID))
	return d.db.WithContext(ctx).
		Model(&SiteConnection{}).
		Where("id = ?", siteID).
		Update("status", StatusDisconnected).Error
}
