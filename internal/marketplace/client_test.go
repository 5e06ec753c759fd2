package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
)

// recordingTokenStore captures credential updates and disconnects.
type recordingTokenStore struct {
	updates      []string
	disconnected []uint
}

func (s *recordingTokenStore) UpdateToken(_ context.Context, _ uint, accessToken, _ string, _ time.Time) error {
	s.updates = append(s.updates, accessToken)
	return nil
}

func (s *recordingTokenStore) MarkDisconnected(_ context.Context, siteID uint) error {
	s.disconnected = append(s.disconnected, siteID)
	return nil
}

// stubMarketplace is an in-memory marketplace API. Every item call checks the
// bearer token against validTokens; the token endpoint mints fresh ones.
type stubMarketplace struct {
	validTokens  map[string]bool
	refreshCount int
	items        map[string]string
	puts         []string
	// mintInvalid issues tokens the API then refuses, simulating an
	// application whose authorization was revoked upstream.
	mintInvalid bool
}

func (s *stubMarketplace) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			if err := r.ParseForm(); err != nil || r.PostFormValue("grant_type") != "refresh_token" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.refreshCount++
			fresh := fmt.Sprintf("fresh-token-%d", s.refreshCount)
			if !s.mintInvalid {
				s.validTokens[fresh] = true
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  fresh,
				"refresh_token": "rotated-refresh",
				"expires_in":    21600,
			})
			return
		}

		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.validTokens[bearer] {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/items/"):
			itemID := strings.TrimPrefix(r.URL.Path, "/items/")
			payload, ok := s.items[itemID]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(payload))
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/items/"):
			s.puts = append(s.puts, r.URL.Path)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type clientFixture struct {
	client *Client
	stub   *stubMarketplace
	tokens *recordingTokenStore
	now    time.Time
}

func mustNewClient(t *testing.T, site channel.SiteConnection) *clientFixture {
	t.Helper()
	stub := &stubMarketplace{validTokens: map[string]bool{}, items: map[string]string{}}
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)

	site.ID = 1
	site.Protocol = channel.ProtocolMarketplace
	site.BaseURL = server.URL
	tokens := &recordingTokenStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(ClientConfig{
		Site:       site,
		HTTPClient: server.Client(),
		Tokens:     tokens,
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return &clientFixture{client: client, stub: stub, tokens: tokens, now: now}
}

func TestExpiringTokenIsRefreshedBeforeTheCall(t *testing.T) {
	expiresSoon := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "stale-token", RefreshToken: "refresh-1", TokenExpiresAt: &expiresSoon,
	})
	fixture.stub.items["MLA1"] = `{"id":"MLA1","available_quantity":4}`

	item, err := fixture.client.ItemByID(context.Background(), "MLA1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if item.AvailableQuantity != 4 {
		t.Fatalf("unexpected item %+v", item)
	}
	if fixture.stub.refreshCount != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", fixture.stub.refreshCount)
	}
	if len(fixture.tokens.updates) != 1 || fixture.tokens.updates[0] != "fresh-token-1" {
		t.Fatalf("expected the refreshed token to be persisted, got %+v", fixture.tokens.updates)
	}
}

func TestFreshTokenIsUsedWithoutRefresh(t *testing.T) {
	expiresLater := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "good-token", RefreshToken: "refresh-1", TokenExpiresAt: &expiresLater,
	})
	fixture.stub.validTokens["good-token"] = true
	fixture.stub.items["MLA1"] = `{"id":"MLA1","available_quantity":4}`

	if _, err := fixture.client.ItemByID(context.Background(), "MLA1"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if fixture.stub.refreshCount != 0 {
		t.Fatalf("expected no token refresh, got %d", fixture.stub.refreshCount)
	}
}

func TestRejectedTokenIsRefreshedAndRetriedOnce(t *testing.T) {
	expiresLater := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "revoked-token", RefreshToken: "refresh-1", TokenExpiresAt: &expiresLater,
	})
	// The token looks fresh locally but the remote side revoked it.
	fixture.stub.items["MLA1"] = `{"id":"MLA1","available_quantity":4}`

	item, err := fixture.client.ItemByID(context.Background(), "MLA1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if item.ID != "MLA1" {
		t.Fatalf("unexpected item %+v", item)
	}
	if fixture.stub.refreshCount != 1 {
		t.Fatalf("expected a forced refresh after the rejection, got %d", fixture.stub.refreshCount)
	}
	if len(fixture.tokens.disconnected) != 0 {
		t.Fatalf("expected the site to stay connected, got %+v", fixture.tokens.disconnected)
	}
}

func TestSecondRejectionDisconnectsTheSite(t *testing.T) {
	expiresLater := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "revoked-token", RefreshToken: "refresh-1", TokenExpiresAt: &expiresLater,
	})
	fixture.stub.items["MLA1"] = `{"id":"MLA1","available_quantity":4}`
	// Freshly minted tokens are rejected too, so the retry fails as well.
	fixture.stub.mintInvalid = true

	_, err := fixture.client.ItemByID(context.Background(), "MLA1")
	if !errors.Is(err, channel.ErrSiteDisconnected) {
		t.Fatalf("expected site-disconnected error, got %v", err)
	}
	if len(fixture.tokens.disconnected) != 1 || fixture.tokens.disconnected[0] != 1 {
		t.Fatalf("expected the site to be marked disconnected, got %+v", fixture.tokens.disconnected)
	}
}

func TestItemByIDExtractsSellerSKUs(t *testing.T) {
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "tok", RefreshToken: "refresh-1",
	})
	fixture.stub.items["MLA1"] = `{
		"id": "MLA1",
		"available_quantity": 10,
		"attributes": [{"id": "SELLER_SKU", "value_name": "ABC-1"}],
		"variations": [
			{"id": 7001, "available_quantity": 6, "attributes": [{"id": "SELLER_SKU", "value_name": "ABC-1-S"}]},
			{"id": 7002, "available_quantity": 4, "attributes": []}
		]
	}`

	item, err := fixture.client.ItemByID(context.Background(), "MLA1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if item.SellerSKU != "ABC-1" {
		t.Fatalf("expected item seller sku ABC-1, got %q", item.SellerSKU)
	}
	if item.Variations[0].SellerSKU != "ABC-1-S" || item.Variations[1].SellerSKU != "" {
		t.Fatalf("unexpected variation skus %+v", item.Variations)
	}
	if item.Variations[0].ID.String() != "7001" {
		t.Fatalf("expected numeric variation id to survive decoding, got %q", item.Variations[0].ID.String())
	}
}

func TestMissingItemTranslatesToNotFound(t *testing.T) {
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "tok", RefreshToken: "refresh-1",
	})

	_, err := fixture.client.ItemByID(context.Background(), "MLA404")
	if !errors.Is(err, channel.ErrRemoteItemNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestWriteStockTargetsVariationWhenMapped(t *testing.T) {
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "tok", RefreshToken: "refresh-1",
	})
	adapter := &Adapter{client: fixture.client, logger: fixture.client.logger}

	err := adapter.WriteStock(context.Background(), channel.RemoteRef{ItemID: "MLA1", VariantID: "7001"}, 5)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if len(fixture.stub.puts) != 1 || fixture.stub.puts[0] != "/items/MLA1/variations/7001" {
		t.Fatalf("expected a variation put, got %+v", fixture.stub.puts)
	}
}

func TestWriteStockRejectsStaleItemLevelMapping(t *testing.T) {
	fixture := mustNewClient(t, channel.SiteConnection{
		AccessToken: "tok", RefreshToken: "refresh-1",
	})
	fixture.stub.items["MLA1"] = `{"id":"MLA1","available_quantity":10,"variations":[{"id":7001,"available_quantity":6}]}`
	adapter := &Adapter{client: fixture.client, logger: fixture.client.logger}

	err := adapter.WriteStock(context.Background(), channel.RemoteRef{ItemID: "MLA1"}, 5)
	if err == nil || !strings.Contains(err.Error(), "stale") {
		t.Fatalf("expected stale-mapping failure, got %v", err)
	}
	if len(fixture.stub.puts) != 0 {
		t.Fatalf("expected no remote write, got %+v", fixture.stub.puts)
	}
}
