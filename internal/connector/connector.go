// Package connector resolves site connections to their protocol channels.
package connector

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/marketplace"
	"github.com/MarcoPoloResearchLab/stocklink/internal/storefront"
	"go.uber.org/zap"
)

// FactoryConfig describes the dependencies of the channel factory.
type FactoryConfig struct {
	Directory  *channel.Directory
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Factory builds a protocol channel per site connection. Channels are
// constructed per call rather than cached, so credential state is always
// read fresh from the connection row.
type Factory struct {
	directory  *channel.Directory
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
}

// NewFactory constructs the channel factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("connector: site directory required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = channel.NewHTTPClient()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{directory: cfg.Directory, httpClient: httpClient, clock: clock, logger: logger}, nil
}

// ChannelFor returns the protocol channel for a site connection.
func (f *Factory) ChannelFor(site channel.SiteConnection) (channel.Channel, error) {
	switch site.Protocol {
	case channel.ProtocolStorefront:
		return storefront.NewAdapter(site, f.httpClient, f.logger)
	case channel.ProtocolMarketplace:
		return marketplace.NewAdapter(marketplace.ClientConfig{
			Site:       site,
			HTTPClient: f.httpClient,
			Tokens:     f.directory,
			Clock:      f.clock,
			Logger:     f.logger,
		})
	default:
		return nil, fmt.Errorf("%w: %s", channel.ErrUnsupportedProtocol, site.Protocol)
	}
}

// OrderReaderFor returns the order capability of a site's channel, or an
// error when the protocol has no order webhooks.
func (f *Factory) OrderReaderFor(site channel.SiteConnection) (channel.OrderReader, error) {
	ch, err := f.ChannelFor(site)
	if err != nil {
		return nil, err
	}
	reader, ok := ch.(channel.OrderReader)
	if !ok {
		return nil, fmt.Errorf("%w: protocol %s has no order feed", channel.ErrUnsupportedProtocol, site.Protocol)
	}
	return reader, nil
}
