package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type recordingFanout struct {
	requests []FanoutRequest
}

func (f *recordingFanout) EnqueueFanout(_ context.Context, request FanoutRequest) error {
	f.requests = append(f.requests, request)
	return nil
}

func mustOpenDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "ledger.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&StockRecord{}, &StockMove{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustNewService(t *testing.T, db *gorm.DB, fanout FanoutEnqueuer) *Service {
	t.Helper()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		current = current.Add(time.Second)
		return current
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &sequentialIDProvider{},
		Fanout:     fanout,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}
	return service
}

func TestGetStockReturnsZeroRecordWhenAbsent(t *testing.T) {
	service := mustNewService(t, mustOpenDatabase(t), nil)

	record, err := service.GetStock(context.Background(), 42)
	if err != nil {
		t.Fatalf("expected no error for missing record, got %v", err)
	}
	if record.ProductID != 42 || record.Quantity != 0 {
		t.Fatalf("expected zero-value record for product 42, got %+v", record)
	}
}

func TestMutationSequenceKeepsLedgerConsistent(t *testing.T) {
	service := mustNewService(t, mustOpenDatabase(t), nil)
	ctx := context.Background()

	input := MutationInput{
		ProductID: 7,
		Actor:     "tester",
		Origin:    channel.OriginLocal,
		Reason:    ReasonManual,
	}

	steps := []struct {
		set      bool
		argument int64
	}{
		{set: true, argument: 10},
		{set: false, argument: -3},
		{set: false, argument: 8},
		{set: true, argument: 2},
		{set: false, argument: -5},
	}

	for _, step := range steps {
		var err error
		if step.set {
			_, err = service.SetStock(ctx, input, step.argument)
		} else {
			_, err = service.AddStock(ctx, input, step.argument)
		}
		if err != nil {
			t.Fatalf("mutation failed: %v", err)
		}

		record, err := service.GetStock(ctx, input.ProductID)
		if err != nil {
			t.Fatalf("reading stock failed: %v", err)
		}
		moves, err := service.ListMoves(ctx, input.ProductID, 0)
		if err != nil {
			t.Fatalf("listing moves failed: %v", err)
		}
		if len(moves) == 0 {
			t.Fatalf("expected at least one ledger row")
		}
		if moves[0].ResultingQty != record.Quantity {
			t.Fatalf("record quantity %d does not match newest move resulting qty %d", record.Quantity, moves[0].ResultingQty)
		}
	}

	moves, err := service.ListMoves(ctx, input.ProductID, 0)
	if err != nil {
		t.Fatalf("listing moves failed: %v", err)
	}
	if len(moves) != len(steps) {
		t.Fatalf("expected %d ledger rows, got %d", len(steps), len(moves))
	}
	var deltaSum int64
	for _, move := range moves {
		deltaSum += move.Delta
	}
	record, err := service.GetStock(ctx, input.ProductID)
	if err != nil {
		t.Fatalf("reading stock failed: %v", err)
	}
	if deltaSum != record.Quantity {
		t.Fatalf("sum of deltas %d does not equal final quantity %d", deltaSum, record.Quantity)
	}
	if record.Quantity != -3 {
		t.Fatalf("expected final quantity -3, got %d", record.Quantity)
	}
}

func TestNegativeQuantitiesAreAllowed(t *testing.T) {
	service := mustNewService(t, mustOpenDatabase(t), nil)
	ctx := context.Background()

	input := MutationInput{ProductID: 9, Actor: "tester", Origin: channel.OriginLocal, Reason: ReasonManual}
	record, err := service.AddStock(ctx, input, -4)
	if err != nil {
		t.Fatalf("adding negative delta failed: %v", err)
	}
	if record.Quantity != -4 {
		t.Fatalf("expected quantity -4, got %d", record.Quantity)
	}
}

func TestFanoutTriggeredOnlyForLocalOrigin(t *testing.T) {
	fanout := &recordingFanout{}
	service := mustNewService(t, mustOpenDatabase(t), fanout)
	ctx := context.Background()

	localInput := MutationInput{ProductID: 1, Actor: "tester", Origin: channel.OriginLocal, Reason: ReasonManual}
	if _, err := service.SetStock(ctx, localInput, 5); err != nil {
		t.Fatalf("local mutation failed: %v", err)
	}
	if len(fanout.requests) != 1 {
		t.Fatalf("expected one fanout request after local mutation, got %d", len(fanout.requests))
	}
	if fanout.requests[0].ProductID != 1 || fanout.requests[0].Quantity != 5 {
		t.Fatalf("unexpected fanout request %+v", fanout.requests[0])
	}

	siteID := uint(3)
	remoteInput := MutationInput{
		ProductID:    1,
		Actor:        "webhook",
		Origin:       channel.OriginStorefront,
		SourceSiteID: &siteID,
		Reason:       ReasonWebhook,
	}
	if _, err := service.SetStock(ctx, remoteInput, 8); err != nil {
		t.Fatalf("remote mutation failed: %v", err)
	}
	if len(fanout.requests) != 1 {
		t.Fatalf("expected no fanout for channel-origin mutation, got %d requests", len(fanout.requests))
	}
}

func TestMutationRejectsUnknownOrigin(t *testing.T) {
	service := mustNewService(t, mustOpenDatabase(t), nil)

	input := MutationInput{ProductID: 2, Actor: "tester", Origin: channel.Origin("sideways"), Reason: ReasonManual}
	if _, err := service.SetStock(context.Background(), input, 1); err == nil {
		t.Fatalf("expected error for unknown origin")
	}
}
