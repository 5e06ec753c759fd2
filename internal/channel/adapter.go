package channel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	connectTimeout = 10 * time.Second
	requestTimeout = 30 * time.Second
)

var (
	// ErrQuantityDerived indicates the remote quantity is computed by the
	// channel and cannot be written. Hard failure, never retried.
	ErrQuantityDerived = errors.New("channel: remote quantity is derived and not settable")
	// ErrSiteDisconnected indicates the site's credentials were rejected and
	// the connection has been marked disconnected.
	ErrSiteDisconnected = errors.New("channel: site connection is disconnected")
	// ErrMissingCredentials indicates the site connection is not credentialed.
	ErrMissingCredentials = errors.New("channel: site connection has no credentials")
	// ErrUnsupportedProtocol indicates a site whose protocol has no adapter.
	ErrUnsupportedProtocol = errors.New("channel: unsupported protocol")
	// ErrRemoteItemNotFound indicates the referenced remote item does not exist.
	ErrRemoteItemNotFound = errors.New("channel: remote item not found")
)

// RemoteRef identifies a stock-bearing resource on a channel. VariantID is
// empty when the remote item has no sub-variants.
type RemoteRef struct {
	ItemID    string
	VariantID string
	SKU       string
}

// RemoteVariant is one sub-variant of a remote item.
type RemoteVariant struct {
	ID       string
	SKU      string
	Quantity int64
}

// RemoteItem is a channel item as seen during SKU search or webhook handling.
type RemoteItem struct {
	ID       string
	SKU      string
	Quantity int64
	Variants []RemoteVariant
}

// StockEntry is one row of a full remote stock snapshot.
type StockEntry struct {
	SKU       string
	ItemID    string
	VariantID string
	Quantity  int64
}

// OrderLine is one stock-relevant line of a remote order.
type OrderLine struct {
	Ref      RemoteRef
	Quantity int64
}

// Adapter is the protocol-specific read/update capability over remote stock.
type Adapter interface {
	ReadStock(ctx context.Context, ref RemoteRef) (int64, error)
	WriteStock(ctx context.Context, ref RemoteRef, quantity int64) error
}

// Channel is the full capability set a connected site exposes to the core.
type Channel interface {
	Adapter
	// SearchItemsBySKU returns every remote item matching the SKU. Ambiguity
	// is the resolver's concern; adapters return all candidates.
	SearchItemsBySKU(ctx context.Context, sku string) ([]RemoteItem, error)
	// ItemByID fetches one remote item with its variants.
	ItemByID(ctx context.Context, itemID string) (RemoteItem, error)
	// ListStock pages through the channel's full stock snapshot.
	ListStock(ctx context.Context) ([]StockEntry, error)
}

// OrderReader is implemented by channels whose webhooks reference orders.
type OrderReader interface {
	ReadOrderItems(ctx context.Context, orderID string) ([]OrderLine, error)
}

// Factory resolves a site connection to its protocol channel.
type Factory interface {
	ChannelFor(site SiteConnection) (Channel, error)
}

// NewHTTPClient returns the HTTP client shared by channel adapters: 10s
// connect timeout, 30s total per call, no cancellation beyond context.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
		},
	}
}
