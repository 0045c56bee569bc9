package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/beanhouse/backoffice/internal/inventory"
	jobmetrics "github.com/beanhouse/backoffice/internal/jobs"
	"github.com/beanhouse/backoffice/internal/procurement"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubOrders map[int64]procurement.OrderDetail

func (s stubOrders) Get(_ context.Context, id int64) (procurement.OrderDetail, error) {
	o, ok := s[id]
	if !ok {
		return procurement.OrderDetail{}, errors.New("not found")
	}
	return o, nil
}

type stubContacts map[int64]string

func (s stubContacts) SupplierEmail(_ context.Context, id int64) (string, error) {
	return s[id], nil
}

type capturedMail struct {
	sent []SendEmailPayload
}

func (c *capturedMail) EnqueueSendEmail(_ context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	c.sent = append(c.sent, payload)
	return &asynq.TaskInfo{ID: "mail-1"}, nil
}

type stubVerifier struct {
	drift []inventory.Drift
	err   error
}

func (s stubVerifier) VerifyLedger(context.Context) ([]inventory.Drift, error) {
	return s.drift, s.err
}

func sampleOrder() procurement.OrderDetail {
	expected := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	return procurement.OrderDetail{
		PurchaseOrder: procurement.PurchaseOrder{
			ID:                   7,
			OrderNumber:          "PO-0007",
			Status:               procurement.StatusSent,
			SupplierID:           3,
			ExpectedDeliveryDate: &expected,
			TotalAmount:          decimal.RequireFromString("42.00"),
			SentNotes:            "Back door after 7am",
		},
		Lines: []procurement.Line{
			{InventoryItemID: 1, ItemName: "Espresso beans", QuantityOrdered: 2, UnitCost: decimal.RequireFromString("21")},
			{InventoryItemID: 2, ItemName: "Cups", QuantityOrdered: 100, IsExcluded: true},
		},
	}
}

func dispatchTask(t *testing.T, orderID int64) *asynq.Task {
	t.Helper()
	task, err := NewDispatchNotifyTask(DispatchNotifyPayload{OrderID: orderID, OrderNumber: "PO-0007", SupplierID: 3})
	require.NoError(t, err)
	return task
}

func TestDispatchNotifyQueuesSupplierEmail(t *testing.T) {
	mail := &capturedMail{}
	job := &DispatchNotifyJob{
		Orders:   stubOrders{7: sampleOrder()},
		Contacts: stubContacts{3: "orders@roastery.test"},
		Mail:     mail,
		Logger:   discard(),
		Metrics:  jobmetrics.NewMetrics(prometheus.NewRegistry()),
	}

	require.NoError(t, job.Handle(context.Background(), dispatchTask(t, 7)))
	require.Len(t, mail.sent, 1)
	msg := mail.sent[0]
	require.Equal(t, "orders@roastery.test", msg.To)
	require.Equal(t, "Purchase order PO-0007", msg.Subject)
	require.Contains(t, msg.Body, "Espresso beans x 2 @ 21.00")
	require.NotContains(t, msg.Body, "Cups")
	require.Contains(t, msg.Body, "Requested delivery: 2026-10-20")
	require.Contains(t, msg.Body, "Back door after 7am")
}

func TestDispatchNotifySkipsWithoutEmail(t *testing.T) {
	mail := &capturedMail{}
	job := &DispatchNotifyJob{Orders: stubOrders{7: sampleOrder()}, Contacts: stubContacts{}, Mail: mail, Logger: discard()}
	require.NoError(t, job.Handle(context.Background(), dispatchTask(t, 7)))
	require.Empty(t, mail.sent)

	err := job.Handle(context.Background(), dispatchTask(t, 8))
	require.Error(t, err)

	err = job.Handle(context.Background(), asynq.NewTask(TaskDispatchNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewDispatchNotifyTaskRequiresOrder(t *testing.T) {
	_, err := NewDispatchNotifyTask(DispatchNotifyPayload{})
	require.Error(t, err)
}

func TestVerifyLedgerJob(t *testing.T) {
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	task, err := NewVerifyLedgerTask("cron")
	require.NoError(t, err)

	job := &VerifyLedgerJob{
		Verifier: stubVerifier{drift: []inventory.Drift{{ItemID: 1, Difference: 3}}},
		Logger:   discard(),
		Metrics:  metrics,
	}
	require.NoError(t, job.Handle(context.Background(), task))

	boom := errors.New("postgres down")
	job.Verifier = stubVerifier{err: boom}
	require.ErrorIs(t, job.Handle(context.Background(), task), boom)
}

func TestSendEmailJobRejectsEmptyRecipient(t *testing.T) {
	task, err := NewSendEmailTask(SendEmailPayload{Subject: "hi"})
	require.NoError(t, err)
	require.ErrorIs(t, SendEmailJob{Logger: discard()}.Handle(context.Background(), task), asynq.SkipRetry)

	task, err = NewSendEmailTask(SendEmailPayload{To: "a@b.test", Subject: "hi"})
	require.NoError(t, err)
	require.NoError(t, SendEmailJob{Logger: discard()}.Handle(context.Background(), task))
}

func TestClientOrderDispatchedEnqueuesOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()}, discard())
	require.NoError(t, err)
	defer client.Close()

	sentAt := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	order := procurement.PurchaseOrder{ID: 7, OrderNumber: "PO-0007", SupplierID: 3, SentAt: &sentAt}
	require.NoError(t, client.OrderDispatched(context.Background(), order))
	require.NoError(t, client.OrderDispatched(context.Background(), order))

	key := fmt.Sprintf("asynq:{%s}:t:po-dispatch-7-%d", QueueDefault, sentAt.Unix())
	require.True(t, mr.Exists(key))
}

type recordingPruner struct {
	calls []time.Duration
}

func (p *recordingPruner) Cleanup(_ context.Context, olderThan time.Duration) error {
	p.calls = append(p.calls, olderThan)
	return nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	pruner := &recordingPruner{}
	job := &IdempotencyCleanupJob{Store: pruner, Retention: 48 * time.Hour, Logger: discard()}

	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, []time.Duration{48 * time.Hour}, pruner.calls)

	job.Retention = 0
	require.ErrorIs(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()), asynq.SkipRetry)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func TestHealthReportsQueueState(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, discard()).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","paused":false,"pending":3,"active":0,"scheduled":0,"retry":1,"archived":0,"failed_today":0}`, rr.Body.String())

	r = chi.NewRouter()
	NewHandler(stubInspector{err: errors.New("redis down")}, discard()).MountRoutes(r)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestNewWorkerRejectsBadRegistrations(t *testing.T) {
	opts := asynq.RedisClientOpt{Addr: miniredis.RunT(t).Addr()}
	noop := func(context.Context, *asynq.Task) error { return nil }

	_, err := NewWorker(WorkerConfig{RedisOpts: opts, Logger: discard(), Handlers: []TaskHandler{
		{Type: TaskVerifyLedger, Handler: noop},
		{Type: TaskVerifyLedger, Handler: noop},
	}})
	require.ErrorContains(t, err, "duplicate handler")

	task, err := NewVerifyLedgerTask("cron")
	require.NoError(t, err)
	_, err = NewWorker(WorkerConfig{RedisOpts: opts, Logger: discard(), Cron: []CronRegistration{{Spec: "30 3 * * *", Task: task}}})
	require.ErrorContains(t, err, "has no handler")

	w, err := NewWorker(WorkerConfig{
		RedisOpts: opts,
		Logger:    discard(),
		Handlers:  []TaskHandler{{Type: TaskVerifyLedger, Handler: noop}},
		Cron:      []CronRegistration{{Spec: "30 3 * * *", Task: task}},
	})
	require.NoError(t, err)
	require.NotNil(t, w)
}
