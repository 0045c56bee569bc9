package inventory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/shared"
)

type memoryRepo struct {
	items     map[int64]Item
	movements []Movement
	nextID    int64
	failNext  error
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo(items ...Item) *memoryRepo {
	r := &memoryRepo{items: make(map[int64]Item)}
	for _, it := range items {
		r.items[it.ID] = it
	}
	return r
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := make(map[int64]Item, len(r.items))
	for k, v := range r.items {
		snapshot[k] = v
	}
	movements := len(r.movements)
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.items = snapshot
		r.movements = r.movements[:movements]
		return err
	}
	return nil
}

func (r *memoryRepo) GetItem(_ context.Context, id int64) (Item, error) {
	it, ok := r.items[id]
	if !ok {
		return Item{}, itemNotFound(id)
	}
	return it, nil
}

func (r *memoryRepo) Movements(_ context.Context, filter MovementFilter) ([]Movement, error) {
	var out []Movement
	for _, m := range r.movements {
		if filter.ItemID == 0 || m.ItemID == filter.ItemID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) LedgerDrift(_ context.Context) ([]Drift, error) {
	sums := make(map[int64]int)
	for _, m := range r.movements {
		sums[m.ItemID] += m.QuantityChange
	}
	var out []Drift
	for id, it := range r.items {
		if it.CurrentStock != sums[id] {
			out = append(out, Drift{ItemID: id, Name: it.Name, CurrentStock: it.CurrentStock, LedgerStock: sums[id], Difference: it.CurrentStock - sums[id]})
		}
	}
	return out, nil
}

func (tx *memoryTx) GetItem(ctx context.Context, id int64) (Item, error) {
	return tx.repo.GetItem(ctx, id)
}

func (tx *memoryTx) ItemsByCatalogID(_ context.Context, catalogID string) ([]Item, error) {
	var out []Item
	for _, it := range tx.repo.items {
		if it.CatalogID == catalogID && !it.Deleted() {
			out = append(out, it)
		}
	}
	return out, nil
}

func (tx *memoryTx) IncrementStock(_ context.Context, itemID int64, delta int) (int, int, error) {
	if err := tx.repo.failNext; err != nil {
		tx.repo.failNext = nil
		return 0, 0, err
	}
	it, ok := tx.repo.items[itemID]
	if !ok || it.Deleted() {
		return 0, 0, itemNotFound(itemID)
	}
	prev := it.CurrentStock
	if prev+delta < 0 {
		return 0, 0, ErrNegativeStock
	}
	it.CurrentStock += delta
	tx.repo.items[itemID] = it
	return prev, it.CurrentStock, nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m Movement) (int64, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, m)
	return m.ID, nil
}

type skewedLedger struct{ *memoryTx }

func (s skewedLedger) IncrementStock(ctx context.Context, itemID int64, delta int) (int, int, error) {
	prev, next, err := s.memoryTx.IncrementStock(ctx, itemID, delta)
	return prev, next + 1, err
}

var admin = identity.Identity{ID: 1, Role: identity.RoleAdmin, Name: "Admin"}

func TestPostMovementWritesCountersAndLedger(t *testing.T) {
	repo := newMemoryRepo(Item{ID: 1, Name: "Milk", PackSize: 1, CurrentStock: 4})
	tx := &memoryTx{repo: repo}

	m, err := PostMovement(context.Background(), tx, MovementInput{ItemID: 1, Type: MovementPurchase, Change: 6})
	require.NoError(t, err)
	require.Equal(t, 4, m.PreviousStock)
	require.Equal(t, 10, m.NewStock)
	require.Equal(t, 10, repo.items[1].CurrentStock)
	require.Len(t, repo.movements, 1)
}

func TestPostMovementValidates(t *testing.T) {
	tx := &memoryTx{repo: newMemoryRepo()}
	_, err := PostMovement(context.Background(), tx, MovementInput{Type: "refill"})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "inventory_item_id")
	require.Contains(t, verr.Fields, "quantity_change")
	require.Contains(t, verr.Fields, "movement_type")
}

func TestPostMovementDetectsCounterMismatch(t *testing.T) {
	repo := newMemoryRepo(Item{ID: 1, PackSize: 1})
	_, err := PostMovement(context.Background(), skewedLedger{&memoryTx{repo: repo}}, MovementInput{ItemID: 1, Type: MovementPurchase, Change: 2})
	require.ErrorIs(t, err, ErrCounterMismatch)
	require.Empty(t, repo.movements)
}

func TestAdjustWasteCannotGoNegative(t *testing.T) {
	repo := newMemoryRepo(Item{ID: 1, Name: "Oat milk", PackSize: 1, CurrentStock: 2})
	svc := NewService(repo, nil, nil)

	_, err := svc.Adjust(context.Background(), admin, AdjustmentInput{ItemID: 1, Type: MovementWaste, Quantity: 3})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.True(t, errors.Is(err, shared.ErrInvalidOperation))
	require.Equal(t, 2, repo.items[1].CurrentStock)

	m, err := svc.Adjust(context.Background(), admin, AdjustmentInput{ItemID: 1, Type: MovementWaste, Quantity: 2, Notes: "spoiled"})
	require.NoError(t, err)
	require.Equal(t, -2, m.QuantityChange)
	require.Equal(t, 0, repo.items[1].CurrentStock)
}

func TestAdjustRequiresAdmin(t *testing.T) {
	svc := NewService(newMemoryRepo(Item{ID: 1, PackSize: 1}), nil, nil)
	_, err := svc.Adjust(context.Background(), identity.Identity{ID: 2, Role: identity.RoleStaff}, AdjustmentInput{ItemID: 1, Type: MovementAdjustment, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestAdjustRejectsPurchaseType(t *testing.T) {
	svc := NewService(newMemoryRepo(Item{ID: 1, PackSize: 1}), nil, nil)
	_, err := svc.Adjust(context.Background(), admin, AdjustmentInput{ItemID: 1, Type: MovementPurchase, Quantity: 1})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestVerifyLedgerReportsDrift(t *testing.T) {
	repo := newMemoryRepo(
		Item{ID: 1, Name: "Beans", PackSize: 1},
		Item{ID: 2, Name: "Cups", PackSize: 1, CurrentStock: 50},
	)
	svc := NewService(repo, nil, nil)
	_, err := svc.Adjust(context.Background(), admin, AdjustmentInput{ItemID: 1, Type: MovementAdjustment, Quantity: 5})
	require.NoError(t, err)

	drift, err := svc.VerifyLedger(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.Equal(t, int64(2), drift[0].ItemID)
	require.Equal(t, 50, drift[0].Difference)
}

func TestMovementsUnknownItem(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	_, err := svc.Movements(context.Background(), MovementFilter{ItemID: 9})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestHandlerAdjustment(t *testing.T) {
	repo := newMemoryRepo(Item{ID: 1, Name: "Beans", PackSize: 1})
	verifier := identity.NewVerifier("secret", "")
	auth := identity.Middleware{Verifier: verifier}
	h := NewHandler(slogDiscard(), NewService(repo, nil, nil), auth)
	r := chi.NewRouter()
	r.Use(auth.Authenticate)
	h.MountRoutes(r)

	token, err := verifier.Issue(admin, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/adjustments", strings.NewReader(`{"inventory_item_id":1,"movement_type":"adjustment","quantity":7}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, 7, repo.items[1].CurrentStock)

	req = httptest.NewRequest(http.MethodPost, "/adjustments", strings.NewReader(`{"inventory_item_id":1,"movement_type":"purchase","quantity":7}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/items/1/movements", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"quantity_change":7`)
}
