package procurement

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/beanhouse/backoffice/internal/inventory"
	"github.com/beanhouse/backoffice/internal/shared"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryStore keeps every table in maps. WithTx and Savepoint snapshot the
// whole store and restore it when the callback fails.
type memoryStore struct {
	orders    map[int64]PurchaseOrder
	lines     map[int64]Line
	history   []StatusHistory
	receipts  []Receipt
	items     map[int64]inventory.Item
	movements []inventory.Movement
	nextID    int64
	// failItems makes IncrementStock fail for the listed rows.
	failItems map[int64]error
}

type memoryTx struct {
	s *memoryStore
}

func newMemoryStore(items ...inventory.Item) *memoryStore {
	s := &memoryStore{
		orders:    make(map[int64]PurchaseOrder),
		lines:     make(map[int64]Line),
		items:     make(map[int64]inventory.Item),
		failItems: make(map[int64]error),
		nextID:    100,
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

type snapshot struct {
	orders    map[int64]PurchaseOrder
	lines     map[int64]Line
	items     map[int64]inventory.Item
	history   int
	receipts  int
	movements int
}

func (s *memoryStore) snapshot() snapshot {
	snap := snapshot{
		orders:    make(map[int64]PurchaseOrder, len(s.orders)),
		lines:     make(map[int64]Line, len(s.lines)),
		items:     make(map[int64]inventory.Item, len(s.items)),
		history:   len(s.history),
		receipts:  len(s.receipts),
		movements: len(s.movements),
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	for k, v := range s.lines {
		snap.lines[k] = v
	}
	for k, v := range s.items {
		snap.items[k] = v
	}
	return snap
}

func (s *memoryStore) restore(snap snapshot) {
	s.orders, s.lines, s.items = snap.orders, snap.lines, snap.items
	s.history = s.history[:snap.history]
	s.receipts = s.receipts[:snap.receipts]
	s.movements = s.movements[:snap.movements]
}

func (s *memoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snap := s.snapshot()
	if err := fn(ctx, &memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memoryStore) GetOrder(_ context.Context, id int64) (PurchaseOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return PurchaseOrder{}, orderNotFound(id)
	}
	return o, nil
}

func (s *memoryStore) Lines(_ context.Context, orderID int64) ([]Line, error) {
	var out []Line
	for _, l := range s.lines {
		if l.OrderID == orderID {
			if it, ok := s.items[l.InventoryItemID]; ok {
				l.ItemName, l.CatalogID, l.Unit = it.Name, it.CatalogID, it.Unit
			}
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) History(_ context.Context, orderID int64) ([]StatusHistory, error) {
	var out []StatusHistory
	for _, h := range s.history {
		if h.OrderID == orderID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memoryStore) ListOrders(_ context.Context, filters ListFilters) ([]OrderSummary, int, error) {
	var out []OrderSummary
	for _, o := range s.orders {
		if filters.Status != "" {
			if st, _ := CanonicalStatus(string(o.Status)); string(st) != filters.Status {
				continue
			}
		}
		if filters.SupplierID > 0 && o.SupplierID != filters.SupplierID {
			continue
		}
		count := 0
		for _, l := range s.lines {
			if l.OrderID == o.ID {
				count++
			}
		}
		out = append(out, OrderSummary{ID: o.ID, OrderNumber: o.OrderNumber, Status: o.Status, SupplierID: o.SupplierID, TotalAmount: o.TotalAmount, LineCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (s *memoryStore) Receipts(_ context.Context, orderID int64) ([]Receipt, error) {
	var out []Receipt
	for _, r := range s.receipts {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) GetReceipt(_ context.Context, id int64) (Receipt, error) {
	for _, r := range s.receipts {
		if r.ID == id {
			return r, nil
		}
	}
	return Receipt{}, &shared.NotFoundError{Entity: "purchase order receipt", ID: id}
}

func (s *memoryStore) ReceiptsComplete(_ context.Context, orderID int64) (bool, error) {
	for _, l := range s.lines {
		if l.OrderID != orderID || l.IsExcluded {
			continue
		}
		found := false
		for _, r := range s.receipts {
			if r.LineID == l.ID {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func (s *memoryStore) GetItem(_ context.Context, id int64) (inventory.Item, error) {
	it, ok := s.items[id]
	if !ok {
		return inventory.Item{}, &shared.NotFoundError{Entity: "inventory item", ID: id}
	}
	return it, nil
}

func (s *memoryStore) ItemsByCatalogID(_ context.Context, catalogID string) ([]inventory.Item, error) {
	var out []inventory.Item
	for _, it := range s.items {
		if it.CatalogID == catalogID && !it.Deleted() {
			out = append(out, it)
		}
	}
	return out, nil
}

func (tx *memoryTx) LockOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	return tx.s.GetOrder(ctx, id)
}

func (tx *memoryTx) InsertOrder(_ context.Context, o PurchaseOrder) (int64, error) {
	for _, existing := range tx.s.orders {
		if existing.OrderNumber == o.OrderNumber {
			return 0, shared.NewValidationError("order_number", "already exists")
		}
	}
	o.ID = tx.s.id()
	tx.s.orders[o.ID] = o
	return o.ID, nil
}

func (tx *memoryTx) UpdateOrder(_ context.Context, o PurchaseOrder) error {
	if _, ok := tx.s.orders[o.ID]; !ok {
		return orderNotFound(o.ID)
	}
	tx.s.orders[o.ID] = o
	return nil
}

func (tx *memoryTx) DeleteOrder(_ context.Context, id int64) error {
	delete(tx.s.orders, id)
	return nil
}

func (tx *memoryTx) Lines(ctx context.Context, orderID int64) ([]Line, error) {
	return tx.s.Lines(ctx, orderID)
}

func (tx *memoryTx) GetLine(_ context.Context, lineID int64) (Line, error) {
	l, ok := tx.s.lines[lineID]
	if !ok {
		return Line{}, &shared.NotFoundError{Entity: "purchase order line", ID: lineID}
	}
	return l, nil
}

func (tx *memoryTx) DeleteLines(_ context.Context, orderID int64) error {
	for id, l := range tx.s.lines {
		if l.OrderID == orderID {
			delete(tx.s.lines, id)
		}
	}
	return nil
}

func (tx *memoryTx) InsertLine(_ context.Context, l Line) (int64, error) {
	if _, ok := tx.s.items[l.InventoryItemID]; !ok {
		return 0, shared.NewValidationError("lines.inventory_item_id", "unknown inventory item")
	}
	l.ID = tx.s.id()
	tx.s.lines[l.ID] = l
	return l.ID, nil
}

func (tx *memoryTx) SetQuantityReceived(_ context.Context, lineID int64, qty int) error {
	l := tx.s.lines[lineID]
	l.QuantityReceived = qty
	tx.s.lines[lineID] = l
	return nil
}

func (tx *memoryTx) InsertHistory(_ context.Context, h StatusHistory) (int64, error) {
	h.ID = tx.s.id()
	tx.s.history = append(tx.s.history, h)
	return h.ID, nil
}

func (tx *memoryTx) HasLineMovement(_ context.Context, orderID, lineID int64) (bool, error) {
	for _, m := range tx.s.movements {
		if m.ReferenceID != nil && *m.ReferenceID == orderID && m.ReferenceLineID != nil && *m.ReferenceLineID == lineID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertReceipt(_ context.Context, r Receipt) (int64, error) {
	r.ID = tx.s.id()
	tx.s.receipts = append(tx.s.receipts, r)
	return r.ID, nil
}

func (tx *memoryTx) ReceiptsComplete(ctx context.Context, orderID int64) (bool, error) {
	return tx.s.ReceiptsComplete(ctx, orderID)
}

func (tx *memoryTx) Ledger() inventory.LedgerTx { return tx }

func (tx *memoryTx) Savepoint(_ context.Context, fn func(TxRepository) error) error {
	snap := tx.s.snapshot()
	if err := fn(tx); err != nil {
		tx.s.restore(snap)
		return err
	}
	return nil
}

func (tx *memoryTx) IncrementStock(_ context.Context, itemID int64, delta int) (int, int, error) {
	if err := tx.s.failItems[itemID]; err != nil {
		return 0, 0, err
	}
	it, ok := tx.s.items[itemID]
	if !ok || it.Deleted() {
		return 0, 0, &shared.NotFoundError{Entity: "inventory item", ID: itemID}
	}
	prev := it.CurrentStock
	if prev+delta < 0 {
		return 0, 0, inventory.ErrNegativeStock
	}
	it.CurrentStock += delta
	tx.s.items[itemID] = it
	return prev, it.CurrentStock, nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m inventory.Movement) (int64, error) {
	if m.ReferenceLineID != nil {
		for _, existing := range tx.s.movements {
			if existing.ReferenceType == m.ReferenceType && existing.ReferenceLineID != nil &&
				*existing.ReferenceLineID == *m.ReferenceLineID && *existing.ReferenceID == *m.ReferenceID {
				return 0, inventory.ErrAlreadyPosted
			}
		}
	}
	m.ID = tx.s.id()
	tx.s.movements = append(tx.s.movements, m)
	return m.ID, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]int64
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]int64)}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[module+"/"+key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = 0
	return nil
}

func (m *memoryIdempotency) Bind(_ context.Context, key, module string, refID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[module+"/"+key] = refID
	return nil
}

func (m *memoryIdempotency) Lookup(_ context.Context, key, module string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.keys[module+"/"+key]
	if !ok {
		return 0, shared.ErrNotFound
	}
	return ref, nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.keys[module+"/"+key]; ok && ref == 0 {
		delete(m.keys, module+"/"+key)
	}
	return nil
}

type outcomeCounter map[string]int

func (c outcomeCounter) ObserveReconcileLine(outcome string) { c[outcome]++ }

func (c outcomeCounter) ObserveReconcileRun(time.Duration) { c["runs"]++ }

type recordingNotifier struct {
	dispatched []int64
}

func (n *recordingNotifier) OrderDispatched(_ context.Context, order PurchaseOrder) error {
	n.dispatched = append(n.dispatched, order.ID)
	return nil
}

type recordingAudit struct {
	actions []string
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.actions = append(a.actions, log.Action)
	return nil
}
