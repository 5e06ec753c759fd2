package bulkrun

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
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

type remoteWrite struct {
	Ref      channel.RemoteRef
	Quantity int64
}

// snapshotChannel serves a canned stock snapshot and records outbound writes.
type snapshotChannel struct {
	entries []channel.StockEntry
	listErr error
	writes  []remoteWrite
}

func (c *snapshotChannel) ReadStock(context.Context, channel.RemoteRef) (int64, error) { return 0, nil }
func (c *snapshotChannel) WriteStock(_ context.Context, ref channel.RemoteRef, quantity int64) error {
	c.writes = append(c.writes, remoteWrite{Ref: ref, Quantity: quantity})
	return nil
}
func (c *snapshotChannel) ItemByID(context.Context, string) (channel.RemoteItem, error) {
	return channel.RemoteItem{}, nil
}
func (c *snapshotChannel) SearchItemsBySKU(context.Context, string) ([]channel.RemoteItem, error) {
	return nil, nil
}
func (c *snapshotChannel) ListStock(context.Context) ([]channel.StockEntry, error) {
	return c.entries, c.listErr
}

type singleChannelFactory struct {
	ch *snapshotChannel
}

func (f *singleChannelFactory) ChannelFor(channel.SiteConnection) (channel.Channel, error) {
	return f.ch, nil
}

type runFixture struct {
	service  *Service
	database *gorm.DB
	ledger   *ledger.Service
	channel  *snapshotChannel
	site     channel.SiteConnection
}

func mustNewRunner(t *testing.T) *runFixture {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "bulkrun.db")
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
		&BulkRun{},
		&BulkRow{},
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
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   database,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "move"},
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	tracker, err := syncstate.NewTracker(syncstate.TrackerConfig{
		Database:   database,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "lock"},
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	mappings, err := mapping.NewResolver(mapping.ResolverConfig{
		Database:   database,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "map"},
	})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}

	remote := &snapshotChannel{}
	service, err := NewService(ServiceConfig{
		Database:   database,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{prefix: "run"},
		Directory:  directory,
		Factory:    &singleChannelFactory{ch: remote},
		Catalog:    catalogService,
		Ledger:     ledgerService,
		Mappings:   mappings,
		Tracker:    tracker,
	})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}

	site := channel.SiteConnection{
		Name: "marketplace-main", Protocol: channel.ProtocolMarketplace, Enabled: true,
		Mode: channel.SyncModeBidirectional, BaseURL: "https://api.example", AccessToken: "tok", SellerID: "987",
	}
	if err := directory.CreateSite(context.Background(), &site); err != nil {
		t.Fatalf("failed to create site: %v", err)
	}
	return &runFixture{service: service, database: database, ledger: ledgerService, channel: remote, site: site}
}

func (f *runFixture) mustAddProduct(t *testing.T, sku string, quantity int64) catalog.Product {
	t.Helper()
	product := catalog.Product{SKU: sku, Name: "product " + sku}
	if err := f.database.Create(&product).Error; err != nil {
		t.Fatalf("failed to create product: %v", err)
	}
	if quantity != 0 {
		input := ledger.MutationInput{ProductID: product.ID, Origin: channel.OriginLocal, Reason: ledger.ReasonManual}
		if _, err := f.ledger.SetStock(context.Background(), input, quantity); err != nil {
			t.Fatalf("failed to seed stock: %v", err)
		}
	}
	return product
}

func TestImportRunStepsBatchByBatchUntilDone(t *testing.T) {
	fixture := mustNewRunner(t)
	ctx := context.Background()
	fixture.mustAddProduct(t, "SKU-A", 1)
	fixture.mustAddProduct(t, "SKU-B", 1)
	fixture.mustAddProduct(t, "SKU-C", 1)
	fixture.channel.entries = []channel.StockEntry{
		{SKU: "SKU-A", ItemID: "I-A", Quantity: 10},
		{SKU: "SKU-B", ItemID: "I-B", Quantity: 20},
		{SKU: "SKU-C", ItemID: "I-C", Quantity: 30},
	}

	run, err := fixture.service.Start(ctx, fixture.site.ID, ActionImport, ModeSet, "ops")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if run.Status != RunRunning || run.TotalRows != 3 || run.ProcessedRows != 0 {
		t.Fatalf("unexpected run after start %+v", run)
	}

	for step, wantProcessed := range []int{1, 2, 3} {
		run, err = fixture.service.Step(ctx, run.RunID, 1)
		if err != nil {
			t.Fatalf("step %d failed: %v", step, err)
		}
		if run.ProcessedRows != wantProcessed {
			t.Fatalf("step %d: expected %d processed rows, got %d", step, wantProcessed, run.ProcessedRows)
		}
		wantStatus := RunRunning
		if wantProcessed == 3 {
			wantStatus = RunDone
		}
		if run.Status != wantStatus {
			t.Fatalf("step %d: expected status %q, got %q", step, wantStatus, run.Status)
		}
	}

	// Stepping a finished run changes nothing.
	again, err := fixture.service.Step(ctx, run.RunID, 1)
	if err != nil {
		t.Fatalf("step after done failed: %v", err)
	}
	if again.Status != RunDone || again.ProcessedRows != 3 {
		t.Fatalf("expected finished run to stay untouched, got %+v", again)
	}

	// Imported quantities landed on the ledger.
	record, err := fixture.ledger.GetStock(ctx, 2)
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if record.Quantity != 20 {
		t.Fatalf("expected imported quantity 20, got %d", record.Quantity)
	}
}

func TestImportCollapsesRepeatedSnapshotEntries(t *testing.T) {
	fixture := mustNewRunner(t)
	ctx := context.Background()
	fixture.mustAddProduct(t, "SKU-1", 0)
	// Paginated listings can serve the same item on two pages.
	fixture.channel.entries = []channel.StockEntry{
		{SKU: "SKU-1", ItemID: "MLA1", Quantity: 5},
		{SKU: "SKU-1", ItemID: "MLA1", Quantity: 5},
	}

	run, err := fixture.service.Start(ctx, fixture.site.ID, ActionImport, ModeSet, "ops")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if run.TotalRows != 1 {
		t.Fatalf("expected the duplicate entry to collapse into one row, got %d", run.TotalRows)
	}

	run, err = fixture.service.Step(ctx, run.RunID, 10)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if run.Status != RunDone || run.ProcessedRows != 1 {
		t.Fatalf("expected the run to finish in one step, got %+v", run)
	}

	record, err := fixture.ledger.GetStock(ctx, 1)
	if err != nil {
		t.Fatalf("stock lookup failed: %v", err)
	}
	if record.Quantity != 5 {
		t.Fatalf("expected imported quantity 5, got %d", record.Quantity)
	}
}

func TestImportSkipsUnknownSKUs(t *testing.T) {
	fixture := mustNewRunner(t)
	ctx := context.Background()
	fixture.mustAddProduct(t, "SKU-A", 0)
	fixture.channel.entries = []channel.StockEntry{
		{SKU: "SKU-A", ItemID: "I-A", Quantity: 5},
		{SKU: "SKU-MISSING", ItemID: "I-X", Quantity: 9},
	}

	run, err := fixture.service.Start(ctx, fixture.site.ID, ActionImport, ModeSet, "ops")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	run, err = fixture.service.Step(ctx, run.RunID, 10)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if run.Status != RunDone || run.ProcessedRows != 2 {
		t.Fatalf("expected run to finish over both rows, got %+v", run)
	}

	var skipped int64
	err = fixture.database.Model(&BulkRow{}).
		Where("run_id = ? AND status = ?", run.RunID, RowSkip).
		Count(&skipped).Error
	if err != nil {
		t.Fatalf("failed to count skipped rows: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected exactly one skipped row, got %d", skipped)
	}
}

func TestExportWritesLocalQuantityToRemote(t *testing.T) {
	fixture := mustNewRunner(t)
	ctx := context.Background()
	product := fixture.mustAddProduct(t, "SKU-A", 42)
	fixture.channel.entries = []channel.StockEntry{
		{SKU: "SKU-A", ItemID: "I-A", VariantID: "V-1", Quantity: 5},
	}

	run, err := fixture.service.Start(ctx, fixture.site.ID, ActionExport, ModeSet, "ops")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	run, err = fixture.service.Step(ctx, run.RunID, 10)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if run.Status != RunDone {
		t.Fatalf("expected run to finish, got %+v", run)
	}

	if len(fixture.channel.writes) != 1 {
		t.Fatalf("expected one remote write, got %+v", fixture.channel.writes)
	}
	write := fixture.channel.writes[0]
	if write.Quantity != 42 || write.Ref.ItemID != "I-A" || write.Ref.VariantID != "V-1" {
		t.Fatalf("unexpected remote write %+v", write)
	}

	// The snapshot identity self-binds a mapping for later pushes.
	var bound mapping.ChannelMapping
	err = fixture.database.Where("site_id = ? AND product_id = ?", fixture.site.ID, product.ID).Take(&bound).Error
	if err != nil {
		t.Fatalf("expected a mapping row after export: %v", err)
	}
	if bound.RemoteItemID != "I-A" {
		t.Fatalf("unexpected mapping %+v", bound)
	}
}

func TestStartFailsRunWhenSnapshotFails(t *testing.T) {
	fixture := mustNewRunner(t)
	fixture.channel.listErr = errors.New("remote snapshot unavailable")

	run, err := fixture.service.Start(context.Background(), fixture.site.ID, ActionImport, ModeSet, "ops")
	if err != nil {
		t.Fatalf("start returned a hard error: %v", err)
	}
	if run.Status != RunError || run.LastError == "" {
		t.Fatalf("expected errored run, got %+v", run)
	}
}

func TestStartCompletesEmptySnapshotImmediately(t *testing.T) {
	fixture := mustNewRunner(t)

	run, err := fixture.service.Start(context.Background(), fixture.site.ID, ActionExport, ModeSet, "ops")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if run.Status != RunDone || run.TotalRows != 0 {
		t.Fatalf("expected empty snapshot to finish the run, got %+v", run)
	}
}

func TestStartRejectsInvalidActionAndMode(t *testing.T) {
	fixture := mustNewRunner(t)
	ctx := context.Background()

	if _, err := fixture.service.Start(ctx, fixture.site.ID, Action("purge"), ModeSet, "ops"); err == nil {
		t.Fatalf("expected invalid action to be rejected")
	}
	if _, err := fixture.service.Start(ctx, fixture.site.ID, ActionImport, Mode("merge"), "ops"); err == nil {
		t.Fatalf("expected invalid mode to be rejected")
	}
}
