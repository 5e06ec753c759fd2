package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/bulkrun"
	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/propagate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/pushqueue"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/webhook"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDProvider struct {
	prefix string
	next   int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("%s-%04d", p.prefix, p.next), nil
}

// fakeChannel serves canned items and records outbound writes.
type fakeChannel struct {
	items  map[string]channel.RemoteItem
	writes []int64
}

func (f *fakeChannel) ReadStock(context.Context, channel.RemoteRef) (int64, error) { return 0, nil }
func (f *fakeChannel) WriteStock(_ context.Context, _ channel.RemoteRef, quantity int64) error {
	f.writes = append(f.writes, quantity)
	return nil
}
func (f *fakeChannel) ItemByID(_ context.Context, itemID string) (channel.RemoteItem, error) {
	item, ok := f.items[itemID]
	if !ok {
		return channel.RemoteItem{}, channel.ErrRemoteItemNotFound
	}
	return item, nil
}
func (f *fakeChannel) ListStock(context.Context) ([]channel.StockEntry, error) { return nil, nil }
func (f *fakeChannel) SearchItemsBySKU(context.Context, string) ([]channel.RemoteItem, error) {
	return nil, nil
}

type fakeConnector struct {
	channels map[uint]*fakeChannel
}

func (f *fakeConnector) ChannelFor(site channel.SiteConnection) (channel.Channel, error) {
	ch, ok := f.channels[site.ID]
	if !ok {
		return nil, fmt.Errorf("no channel configured for site %d", site.ID)
	}
	return ch, nil
}

func (f *fakeConnector) OrderReaderFor(channel.SiteConnection) (channel.OrderReader, error) {
	return nil, fmt.Errorf("no order reader configured")
}

type routerFixture struct {
	handler   http.Handler
	database  *gorm.DB
	directory *channel.Directory
	connector *fakeConnector
}

func mustNewRouter(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(t.TempDir(), "server.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := []interface{}{
		&catalog.Product{},
		&channel.SiteConnection{},
		&ledger.StockRecord{},
		&ledger.StockMove{},
		&mapping.ChannelMapping{},
		&syncstate.SyncState{},
		&syncstate.EventLock{},
		&propagate.Record{},
		&pushqueue.PushJob{},
		&bulkrun.BulkRun{},
		&bulkrun.BulkRow{},
	}
	if err := database.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}
	directory, err := channel.NewDirectory(channel.DirectoryConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	tracker, err := syncstate.NewTracker(syncstate.TrackerConfig{
		Database: database, Clock: clock, IDProvider: &sequentialIDProvider{prefix: "lock"},
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	mappings, err := mapping.NewResolver(mapping.ResolverConfig{
		Database: database, Clock: clock, IDProvider: &sequentialIDProvider{prefix: "map"},
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	connector := &fakeConnector{channels: map[uint]*fakeChannel{}}
	pushQueue, err := pushqueue.NewService(pushqueue.ServiceConfig{
		Database: database, Clock: clock, IDProvider: &sequentialIDProvider{prefix: "job"},
		Directory: directory, Factory: connector, Mappings: mappings,
		Catalog: catalogService, Tracker: tracker,
	})
	if err != nil {
		t.Fatalf("failed to construct push queue: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database: database, Clock: clock, IDProvider: &sequentialIDProvider{prefix: "move"},
		Fanout: pushQueue,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	propagator, err := propagate.NewService(propagate.ServiceConfig{
		Database: database, Clock: clock, IDProvider: &sequentialIDProvider{prefix: "prop"},
		Directory: directory, Factory: connector, Mappings: mappings, Tracker: tracker,
	})
	if err != nil {
		t.Fatalf("failed to construct propagator: %v", err)
	}
	bulkRuns, err := bulkrun.NewService(bulkrun.ServiceConfig{
		Database: database, Clock: clock, IDProvider: &sequentialIDProvider{prefix: "run"},
		Directory: directory, Factory: connector, Catalog: catalogService,
		Ledger: ledgerService, Mappings: mappings, Tracker: tracker,
	})
	if err != nil {
		t.Fatalf("failed to construct bulk runner: %v", err)
	}
	webhooks, err := webhook.NewService(webhook.ServiceConfig{
		Clock: clock, Directory: directory,
		Factory: &webhook.FactorySet{Channels: connector, Orders: connector},
		Catalog: catalogService, Ledger: ledgerService, Tracker: tracker,
		Mappings: mappings, Propagator: propagator,
	})
	if err != nil {
		t.Fatalf("failed to construct webhook service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Ledger:       ledgerService,
		Catalog:      catalogService,
		Directory:    directory,
		Mappings:     mappings,
		Webhooks:     webhooks,
		PushQueue:    pushQueue,
		BulkRuns:     bulkRuns,
		Propagations: propagator,
		SelfMarker:   "stocklink",
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerFixture{handler: handler, database: database, directory: directory, connector: connector}
}

func (f *routerFixture) perform(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	if len(body) > 0 {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding response body failed: %v: %s", err, recorder.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	fixture := mustNewRouter(t)
	recorder := fixture.perform(t, http.MethodGet, "/healthz", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["status"] != "ok" {
		t.Fatalf("unexpected health body %s", recorder.Body.String())
	}
}

func TestSelfMarkedRequestsAreAcknowledgedWithoutProcessing(t *testing.T) {
	fixture := mustNewRouter(t)

	body := []byte(`{"site_id":1,"sku":"ABC-1","stock":5}`)
	recorder := fixture.perform(t, http.MethodPost, "/webhooks/storefront", body, map[string]string{"X-Source": "stocklink"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["outcome"] != "ignored" {
		t.Fatalf("expected ignored outcome, got %s", recorder.Body.String())
	}

	var moves int64
	if err := fixture.database.Model(&ledger.StockMove{}).Count(&moves).Error; err != nil {
		t.Fatalf("counting moves failed: %v", err)
	}
	if moves != 0 {
		t.Fatalf("expected no ledger writes behind the loop guard, got %d", moves)
	}
}

func TestStorefrontWebhookAlwaysAcknowledges(t *testing.T) {
	fixture := mustNewRouter(t)

	// Garbage is acknowledged so the sender does not retry forever.
	recorder := fixture.perform(t, http.MethodPost, "/webhooks/storefront", []byte(`not json`), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for malformed body, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["outcome"] != "ignored" {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodPost, "/webhooks/storefront", []byte(`{"site_id":42,"sku":"X","stock":1}`), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown site, got %d", recorder.Code)
	}
}

func TestMarketplaceWebhookHidesRejections(t *testing.T) {
	fixture := mustNewRouter(t)
	site := channel.SiteConnection{
		Name: "marketplace-main", Protocol: channel.ProtocolMarketplace, Enabled: true,
		Mode: channel.SyncModeBidirectional, BaseURL: "https://api.example", AccessToken: "tok",
		SellerID: "987", WebhookSecret: "topsecret",
	}
	if err := fixture.directory.CreateSite(context.Background(), &site); err != nil {
		t.Fatalf("failed to create site: %v", err)
	}

	body := []byte(`{"topic":"items","resource":"/items/MLA1","user_id":"987"}`)
	recorder := fixture.perform(t, http.MethodPost, "/webhooks/marketplace", body, map[string]string{"X-Signature": "wrong"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if _, present := decodeBody(t, recorder)["outcome"]; present {
		t.Fatalf("expected a bare body for rejected signatures, got %s", recorder.Body.String())
	}
}

func TestMarketplaceWebhookAcceptsFormEncodedNotices(t *testing.T) {
	fixture := mustNewRouter(t)

	request := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace",
		bytes.NewReader([]byte("topic=items&resource=%2Fitems%2FMLA1&user_id=000")))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["outcome"] != "ignored" {
		t.Fatalf("expected unknown seller to be ignored, got %s", recorder.Body.String())
	}
}

func TestAdminStockLifecycle(t *testing.T) {
	fixture := mustNewRouter(t)

	recorder := fixture.perform(t, http.MethodPost, "/admin/products", []byte(`{"sku":"ABC-1","name":"Widget"}`), nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodPost, "/admin/stock/1/set", []byte(`{"qty":10}`), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodPost, "/admin/stock/1/add", []byte(`{"delta":-3}`), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodGet, "/admin/stock/1", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if quantity := decodeBody(t, recorder)["quantity"]; quantity != float64(7) {
		t.Fatalf("expected quantity 7, got %v", quantity)
	}

	recorder = fixture.perform(t, http.MethodGet, "/admin/stock/1/moves", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	moves, ok := decodeBody(t, recorder)["moves"].([]interface{})
	if !ok || len(moves) != 2 {
		t.Fatalf("expected two ledger moves, got %s", recorder.Body.String())
	}
}

func TestAdminRejectsMalformedIdentifiers(t *testing.T) {
	fixture := mustNewRouter(t)

	recorder := fixture.perform(t, http.MethodGet, "/admin/stock/zero", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric id, got %d", recorder.Code)
	}
	recorder = fixture.perform(t, http.MethodGet, "/admin/stock/0", nil, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a zero id, got %d", recorder.Code)
	}
}

func TestAdminGettersReportMissingRows(t *testing.T) {
	fixture := mustNewRouter(t)

	recorder := fixture.perform(t, http.MethodGet, "/admin/products/12", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing product, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["error"] != "product_not_found" {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodGet, "/admin/sites/12", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing site, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["error"] != "site_not_found" {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestDrainEndpointReportsQueueActivity(t *testing.T) {
	fixture := mustNewRouter(t)

	recorder := fixture.perform(t, http.MethodPost, "/cron/push-queue/drain?batch=5", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["claimed"] != float64(0) {
		t.Fatalf("expected an empty drain cycle, got %s", recorder.Body.String())
	}
}

func TestBulkRunEndpointsRoundTrip(t *testing.T) {
	fixture := mustNewRouter(t)
	site := channel.SiteConnection{
		Name: "storefront-a", Protocol: channel.ProtocolStorefront, Enabled: true,
		Mode: channel.SyncModeBidirectional, BaseURL: "https://a.example", APIKey: "k",
	}
	if err := fixture.directory.CreateSite(context.Background(), &site); err != nil {
		t.Fatalf("failed to create site: %v", err)
	}
	fixture.connector.channels[site.ID] = &fakeChannel{}

	body := []byte(fmt.Sprintf(`{"site_id":%d,"action":"import","mode":"set","actor":"ops"}`, site.ID))
	recorder := fixture.perform(t, http.MethodPost, "/admin/bulk-runs", body, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	runID, _ := decodeBody(t, recorder)["run_id"].(string)
	if runID == "" {
		t.Fatalf("expected a run id in the response, got %s", recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodGet, "/admin/bulk-runs/"+runID, nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	recorder = fixture.perform(t, http.MethodPost, "/cron/bulk-runs/"+runID+"/step?batch=10", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.perform(t, http.MethodPost, "/cron/bulk-runs/missing/step", nil, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown run, got %d", recorder.Code)
	}
}
