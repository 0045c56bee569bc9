//go:build integration

package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/inventory"
	"github.com/beanhouse/backoffice/internal/platform/db"
	"github.com/beanhouse/backoffice/internal/platform/migrate"
	"github.com/beanhouse/backoffice/internal/shared"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("backoffice_test"),
		tcpostgres.WithUsername("backoffice"),
		tcpostgres.WithPassword("backoffice"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New(dsn, slogDiscard())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, email, name, role) VALUES (1, 'admin@beanhouse.test', 'Admin', 'admin');
		INSERT INTO suppliers (id, name, email) VALUES (1, 'Roastery', 'orders@roastery.test');
		INSERT INTO inventory_items (id, name, unit, catalog_id, pack_size, current_stock) VALUES
			(1, 'Espresso beans', 'kg', 'beans', 1, 0),
			(2, 'Milk 12-pack', 'case', 'milk', 12, 0),
			(3, 'Milk', 'carton', 'milk', 1, 4);
	`)
	require.NoError(t, err)
	return pool
}

func TestPostgresLifecycle(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	inventoryRepo := inventory.NewRepository(pool)
	svc := NewService(NewRepository(pool), NewEngine(inventoryRepo, nil, slogDiscard()), Options{
		Audit:       shared.NewAuditLogger(pool),
		Idempotency: shared.NewIdempotencyStore(pool),
		Directory:   identity.NewPGDirectory(pool),
		Logger:      slogDiscard(),
	})

	order, err := svc.Create(ctx, admin, CreateInput{
		OrderNumber: "PO-9001",
		SupplierID:  1,
		Lines: []LineInput{
			{InventoryItemID: 1, QuantityOrdered: 5, UnitCost: decimal.RequireFromString("12.50")},
			{InventoryItemID: 2, OrderedPackQty: 1, PackSize: 12, UnitCost: decimal.RequireFromString("1.10")},
			{InventoryItemID: 1, QuantityOrdered: 3, UnitCost: decimal.RequireFromString("1"), IsExcluded: true, ExclusionReason: "backordered"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "75.7", order.TotalAmount.String())

	_, err = svc.Create(ctx, admin, CreateInput{
		OrderNumber: "PO-9001",
		SupplierID:  1,
		Lines:       []LineInput{{InventoryItemID: 1, QuantityOrdered: 1, UnitCost: decimal.NewFromInt(1)}},
	})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "order_number")

	sent, err := svc.Patch(ctx, admin, order.ID, PatchInput{Status: ptr("sent"), Sent: SentMetadata{SentVia: ptr("email")}})
	require.NoError(t, err)
	require.NotNil(t, sent.SentAt)
	require.Equal(t, "Admin", sent.SentByName)

	received, err := svc.Patch(ctx, admin, order.ID, PatchInput{Status: ptr("received")})
	require.NoError(t, err)
	require.NotNil(t, received.Reconciliation)
	require.Equal(t, 2, received.Reconciliation.Credited)
	require.Len(t, received.History, 2)

	beans, err := inventoryRepo.GetItem(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 5, beans.CurrentStock)
	milk, err := inventoryRepo.GetItem(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 16, milk.CurrentStock)

	// A second reconciliation pass must not double-credit.
	_, err = svc.RetryLine(ctx, admin, order.ID, received.Lines[0].ID)
	require.ErrorIs(t, err, shared.ErrInvalidOperation)

	drift, err := inventory.NewService(inventoryRepo, nil, slogDiscard()).VerifyLedger(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)

	summaries, total, err := svc.List(ctx, ListFilters{Status: "received"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "PO-9001", summaries[0].OrderNumber)
}

func TestPostgresReceiptIdempotency(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	svc := NewService(NewRepository(pool), NewEngine(inventory.NewRepository(pool), nil, slogDiscard()), Options{
		Idempotency: shared.NewIdempotencyStore(pool),
		Logger:      slogDiscard(),
	})
	order, err := svc.Create(ctx, admin, CreateInput{
		OrderNumber: "PO-9002",
		SupplierID:  1,
		Lines:       []LineInput{{InventoryItemID: 1, QuantityOrdered: 2, UnitCost: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)
	_, err = svc.Patch(ctx, admin, order.ID, PatchInput{Status: ptr("sent")})
	require.NoError(t, err)

	input := LogReceiptInput{LineID: order.Lines[0].ID, Quantity: 2, IdempotencyKey: "dock-42"}
	first, err := svc.LogReceipt(ctx, admin, input)
	require.NoError(t, err)
	require.True(t, first.OrderComplete)

	again, err := svc.LogReceipt(ctx, admin, input)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Receipt.ID, again.Receipt.ID)

	receipts, err := svc.ListReceipts(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
}

func TestPostgresLegacyStatusAndUnregisteredSender(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	svc := NewService(NewRepository(pool), NewEngine(inventory.NewRepository(pool), nil, slogDiscard()), Options{Logger: slogDiscard()})
	newOrder := func(number string) OrderDetail {
		t.Helper()
		order, err := svc.Create(ctx, admin, CreateInput{
			OrderNumber: number,
			SupplierID:  1,
			Lines:       []LineInput{{InventoryItemID: 1, QuantityOrdered: 1, UnitCost: decimal.NewFromInt(4)}},
		})
		require.NoError(t, err)
		return order
	}

	legacy := newOrder("PO-9003")
	newOrder("PO-9004")
	_, err := pool.Exec(ctx, `UPDATE purchase_orders SET status = ' Delivered' WHERE id = $1`, legacy.ID)
	require.NoError(t, err)

	summaries, total, err := svc.List(ctx, ListFilters{Status: "received"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, legacy.ID, summaries[0].ID)
	require.Equal(t, StatusReceived, summaries[0].Status)

	pending := newOrder("PO-9005")
	stranger := identity.Identity{ID: 404, Role: identity.RoleAdmin, Name: "Ghost"}
	_, err = svc.Patch(ctx, stranger, pending.ID, PatchInput{Status: ptr("sent")})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "sent_by")
	require.NotContains(t, verr.Fields, "supplier_id")
}
