package procurement

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/beanhouse/backoffice/internal/identity"
	"github.com/beanhouse/backoffice/internal/platform/storage"
)

type memoryBlobs struct {
	objects map[string][]byte
}

func (m *memoryBlobs) Put(_ context.Context, prefix, filename, contentType string, body io.Reader, size int64) (storage.Object, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.Object{}, err
	}
	key := prefix + "/" + filename
	m.objects[key] = data
	return storage.Object{Key: key, ContentType: contentType, Size: size}, nil
}

func (m *memoryBlobs) DownloadURL(_ context.Context, key string) (string, error) {
	return "https://blobs.test/" + key, nil
}

type apiClient struct {
	t      *testing.T
	router http.Handler
	tokens map[int64]string
}

func newAPI(t *testing.T, f *fixture, blobs storage.BlobStore) *apiClient {
	verifier := identity.NewVerifier("test-secret", "")
	auth := identity.Middleware{Verifier: verifier}
	r := chi.NewRouter()
	r.Use(auth.Authenticate)
	NewHandler(slogDiscard(), f.svc, auth, blobs).MountRoutes(r)

	tokens := make(map[int64]string)
	for _, who := range []identity.Identity{admin, staff} {
		token, err := verifier.Issue(who, time.Hour)
		require.NoError(t, err)
		tokens[who.ID] = token
	}
	return &apiClient{t: t, router: r, tokens: tokens}
}

func (c *apiClient) do(who identity.Identity, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+c.tokens[who.ID])
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)
	return rr
}

const createBody = `{
  "order_number": "PO-2001",
  "supplier_id": 7,
  "expected_delivery_date": "2026-10-20",
  "lines": [
    {"inventory_item_id": 1, "quantity_ordered": 3, "unit_cost": "9.99"},
    {"inventory_item_id": 2, "ordered_pack_qty": 2, "pack_size": 12, "unit_cost": 1.25}
  ]
}`

func TestHandlerOrderLifecycle(t *testing.T) {
	f := newFixture()
	api := newAPI(t, f, nil)

	rr := api.do(staff, http.MethodPost, "/orders", createBody)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = api.do(admin, http.MethodPost, "/orders", createBody)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created OrderDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, "59.97", created.TotalAmount.StringFixed(2))
	require.Equal(t, 24, created.Lines[1].QuantityOrdered)
	require.Equal(t, "2026-10-20", created.ExpectedDeliveryDate.Format(dateLayout))
	path := "/orders/" + strconv.FormatInt(created.ID, 10)

	rr = api.do(staff, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = api.do(admin, http.MethodPatch, path, `{"status":"received"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), `"current":"draft"`)

	for _, status := range []string{"sent", "confirmed", "received"} {
		rr = api.do(admin, http.MethodPatch, path, `{"status":"`+status+`"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}
	require.Contains(t, rr.Body.String(), `"reconciliation"`)
	require.Equal(t, 3, f.store.items[1].CurrentStock)
	require.Equal(t, 28, f.store.items[3].CurrentStock)

	rr = api.do(admin, http.MethodDelete, path, "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = api.do(admin, http.MethodGet, "/orders?status=received", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total":1`)

	rr = api.do(admin, http.MethodGet, "/orders/999", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = api.do(admin, http.MethodGet, "/orders/abc", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerCreateValidation(t *testing.T) {
	api := newAPI(t, newFixture(), nil)

	rr := api.do(admin, http.MethodPost, "/orders", `{"order_number":"PO-1","supplier_id":7,"lines":[]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), `"lines"`)

	rr = api.do(admin, http.MethodPost, "/orders", `{"order_number":"PO-1","supplier_id":7,"order_date":"20/10/2026","lines":[{"inventory_item_id":1,"quantity_ordered":1,"unit_cost":"1"}]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), `"order_date"`)
}

func TestHandlerReceiptIdempotency(t *testing.T) {
	f := newFixture()
	api := newAPI(t, f, nil)
	order := f.createOrder(t, "PO-2002")
	f.patchStatus(t, order.ID, "sent")
	body := `{"purchase_order_item_id":` + strconv.FormatInt(order.Lines[0].ID, 10) + `,"quantity":5,"weight":"1.2","weight_unit":"kg"}`

	rr := api.do(admin, http.MethodPost, "/receipts", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = api.do(admin, http.MethodPost, "/receipts", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"replayed":true`)
	require.Len(t, f.store.receipts, 1)

	rr = api.do(staff, http.MethodGet, "/orders/"+strconv.FormatInt(order.ID, 10)+"/receipts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"weight_unit":"kg"`)
}

func TestHandlerUploads(t *testing.T) {
	f := newFixture()
	order := f.createOrder(t, "PO-2003")

	api := newAPI(t, f, nil)
	rr := api.upload(admin, "/receipts/photos", "crate.jpg", "image/jpeg")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	blobs := &memoryBlobs{objects: make(map[string][]byte)}
	api = newAPI(t, f, blobs)
	rr = api.upload(admin, "/receipts/photos", "crate.jpg", "image/jpeg")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"photo_ref":"receipts/crate.jpg"`)

	rr = api.upload(admin, "/receipts/photos", "notes.txt", "text/plain")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	path := "/orders/" + strconv.FormatInt(order.ID, 10) + "/attachments"
	rr = api.upload(admin, path, "quote.pdf", "application/pdf")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "purchase-orders/"+strconv.FormatInt(order.ID, 10)+"/quote.pdf", f.store.orders[order.ID].AttachmentRef)
	require.Len(t, blobs.objects, 2)
}

func (c *apiClient) upload(who identity.Identity, path, filename, contentType string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(c.t, err)
	_, err = part.Write([]byte("payload"))
	require.NoError(c.t, err)
	require.NoError(c.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Authorization", "Bearer "+c.tokens[who.ID])
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)
	return rr
}
