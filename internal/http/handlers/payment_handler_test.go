package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-payment-backend/internal/domain"
	"github.com/tbourn/go-payment-backend/internal/services"
	"github.com/tbourn/go-payment-backend/internal/session"
)

// ----- Fake services -----

type fakeOrderSvc struct {
	gotAmount, gotMobile, gotEmail, gotRemark string
	res                                       *services.CreateResult
	err                                       error
}

func (f *fakeOrderSvc) Create(ctx context.Context, amount, mobile, email, remark string) (*services.CreateResult, error) {
	f.gotAmount, f.gotMobile, f.gotEmail, f.gotRemark = amount, mobile, email, remark
	return f.res, f.err
}

type fakeReconSvc struct {
	gotWebhook  services.WebhookInput
	gotRedirect string
	tx          *domain.Transaction
	err         error
}

func (f *fakeReconSvc) ApplyWebhook(ctx context.Context, in services.WebhookInput) (*domain.Transaction, error) {
	f.gotWebhook = in
	return f.tx, f.err
}

func (f *fakeReconSvc) ApplyRedirect(ctx context.Context, orderID string) (*domain.Transaction, error) {
	f.gotRedirect = orderID
	return f.tx, f.err
}

type fakeStatusSvc struct {
	gotOrderID  string
	gotFallback *services.FallbackContext
	tx          *domain.Transaction
	txErr       error

	events    []domain.TransactionEvent
	eventsErr error

	items    []domain.Transaction
	total    int64
	pageErr  error
	gotPage  int
	gotSize  int

	etag    string
	etagErr error
}

func (f *fakeStatusSvc) Get(ctx context.Context, orderID string, fb *services.FallbackContext) (*domain.Transaction, error) {
	f.gotOrderID, f.gotFallback = orderID, fb
	return f.tx, f.txErr
}

func (f *fakeStatusSvc) Verify(ctx context.Context, orderID string, fb *services.FallbackContext) (*domain.Transaction, error) {
	f.gotOrderID, f.gotFallback = orderID, fb
	return f.tx, f.txErr
}

func (f *fakeStatusSvc) Events(ctx context.Context, orderID string) ([]domain.TransactionEvent, error) {
	f.gotOrderID = orderID
	return f.events, f.eventsErr
}

func (f *fakeStatusSvc) ListPage(ctx context.Context, page, pageSize int) ([]domain.Transaction, int64, error) {
	f.gotPage, f.gotSize = page, pageSize
	return f.items, f.total, f.pageErr
}

func (f *fakeStatusSvc) ListVersion(ctx context.Context) (string, error) {
	return f.etag, f.etagErr
}

// ----- Harness -----

func sampleTx() *domain.Transaction {
	return &domain.Transaction{
		OrderID:   "ordhnd000001",
		Status:    domain.StatusSuccess,
		Amount:    "250",
		Mobile:    "9876543210",
		Email:     "payer@example.com",
		UTR:       "UTR11",
		Message:   "ok",
		CreatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC),
	}
}

func newRouter(o *fakeOrderSvc, rec *fakeReconSvc, st *fakeStatusSvc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(o, rec, st, session.NewCodec("test-secret"))
	r := gin.New()
	r.POST("/process-payment", h.ProcessPayment)
	r.POST("/payment-status", h.PaymentWebhook)
	r.GET("/payment-status", h.PaymentStatus)
	r.GET("/payment-success", h.PaymentSuccess)
	r.POST("/verify-payment", h.VerifyPayment)
	r.GET("/history", h.History)
	r.GET("/history/:order_id/events", h.HistoryEvents)
	return r
}

func postForm(r *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

// ----- ProcessPayment -----

func TestProcessPayment_Created(t *testing.T) {
	o := &fakeOrderSvc{res: &services.CreateResult{
		Transaction: &domain.Transaction{OrderID: "ordhnd000001", Status: domain.StatusPending},
		PaymentURL:  "https://gw.example.com/pay/abc",
	}}
	r := newRouter(o, &fakeReconSvc{}, &fakeStatusSvc{})

	w := postForm(r, "/process-payment", url.Values{
		"amount":          {"250"},
		"customer_mobile": {"9876543210"},
		"customer_email":  {"payer@example.com"},
		"remark":          {"order 42"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}

	resp := decodeBody[ProcessPaymentResponse](t, w)
	if resp.OrderID != "ordhnd000001" || resp.Status != domain.StatusPending || resp.PaymentURL == "" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if o.gotAmount != "250" || o.gotMobile != "9876543210" || o.gotRemark != "order 42" {
		t.Fatalf("service got wrong args: %+v", o)
	}

	// A signed context cookie binds the browser to the order.
	var found bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == session.CookieName && ck.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("context cookie not set: %v", w.Result().Cookies())
	}
}

func TestProcessPayment_ValidationError(t *testing.T) {
	o := &fakeOrderSvc{err: &services.ValidationError{Field: "amount", Reason: "must be a positive integer"}}
	r := newRouter(o, &fakeReconSvc{}, &fakeStatusSvc{})

	w := postForm(r, "/process-payment", url.Values{"amount": {"-1"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	resp := decodeBody[ErrorResponse](t, w)
	if resp.Code != ErrCodeValidationFailed || !strings.Contains(resp.Message, "amount") {
		t.Fatalf("unexpected error envelope: %+v", resp)
	}
}

func TestProcessPayment_GatewayError(t *testing.T) {
	o := &fakeOrderSvc{err: services.ErrGateway}
	r := newRouter(o, &fakeReconSvc{}, &fakeStatusSvc{})

	w := postForm(r, "/process-payment", url.Values{"amount": {"100"}})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", w.Code)
	}
	if decodeBody[ErrorResponse](t, w).Code != ErrCodeGatewayFailed {
		t.Fatalf("wrong code: %s", w.Body)
	}
}

// ----- Webhook -----

func TestPaymentWebhook_Applied(t *testing.T) {
	rec := &fakeReconSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	w := postForm(r, "/payment-status", url.Values{
		"order_id":        {"ordhnd000001"},
		"status":          {"success"},
		"amount":          {"250"},
		"utr":             {"UTR11"},
		"customer_mobile": {"9876543210"},
		"remark1":         {"payer@example.com"},
		"message":         {"ok"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}

	if rec.gotWebhook.OrderID != "ordhnd000001" || rec.gotWebhook.Status != "success" ||
		rec.gotWebhook.UTR != "UTR11" || rec.gotWebhook.Email != "payer@example.com" {
		t.Fatalf("webhook input mis-parsed: %+v", rec.gotWebhook)
	}

	// The gateway only needs an ack, not the merged record.
	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Fatalf("unexpected ack body: %s", w.Body)
	}
}

func TestPaymentWebhook_CapturesRawBodyAndHeaders(t *testing.T) {
	rec := &fakeReconSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	form := url.Values{
		"order_id":     {"ordhnd000001"},
		"status":       {"success"},
		"gateway_txid": {"GW-778"}, // field the parser does not model
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payment-status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Gateway-Event", "payment.settled")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if !strings.Contains(rec.gotWebhook.RawBody, "gateway_txid=GW-778") {
		t.Fatalf("raw body lost unmodeled fields: %q", rec.gotWebhook.RawBody)
	}
	if rec.gotWebhook.Headers["X-Gateway-Event"] != "payment.settled" {
		t.Fatalf("headers not captured: %+v", rec.gotWebhook.Headers)
	}
}

func TestPaymentWebhook_StoreFailure(t *testing.T) {
	rec := &fakeReconSvc{err: errors.New("disk full")}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	w := postForm(r, "/payment-status", url.Values{"order_id": {"ordhnd000001"}, "status": {"success"}})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d; want 500", w.Code)
	}
}

func TestPaymentWebhook_MissingOrderID(t *testing.T) {
	rec := &fakeReconSvc{err: services.ErrMissingOrderID}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	w := postForm(r, "/payment-status", url.Values{"status": {"success"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

// ----- Status -----

func TestPaymentStatus_ByQuery(t *testing.T) {
	st := &fakeStatusSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-status?order_id=ordhnd000001", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if st.gotOrderID != "ordhnd000001" {
		t.Fatalf("looked up %q", st.gotOrderID)
	}
	resp := decodeBody[TransactionResponse](t, w)
	if resp.CreatedAt != "2025-06-01T10:00:00Z" {
		t.Fatalf("timestamp format: %q", resp.CreatedAt)
	}
}

func TestPaymentStatus_FallsBackToCookie(t *testing.T) {
	st := &fakeStatusSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	tok, err := session.NewCodec("test-secret").Encode(session.Context{OrderID: "ordctx000001", Amount: "250"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-status", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: tok})
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if st.gotFallback == nil || st.gotFallback.OrderID != "ordctx000001" || st.gotFallback.Amount != "250" {
		t.Fatalf("fallback = %+v; want ordctx000001/250", st.gotFallback)
	}
}

func TestPaymentStatus_TamperedCookieIgnored(t *testing.T) {
	st := &fakeStatusSvc{txErr: services.ErrMissingOrderID}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-status", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "forged.token"})
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	if st.gotFallback != nil {
		t.Fatalf("forged cookie produced fallback %+v", st.gotFallback)
	}
}

// ----- PaymentSuccess -----

func TestPaymentSuccess_AppliesRedirect(t *testing.T) {
	rec := &fakeReconSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-success?order_id=ordhnd000001", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if rec.gotRedirect != "ordhnd000001" {
		t.Fatalf("redirect applied to %q", rec.gotRedirect)
	}
}

func TestPaymentSuccess_RefreshesContextCookie(t *testing.T) {
	rec := &fakeReconSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-success?order_id=ordhnd000001", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	var tok string
	for _, ck := range w.Result().Cookies() {
		if ck.Name == session.CookieName {
			tok = ck.Value
		}
	}
	if tok == "" {
		t.Fatalf("redirect arrival did not refresh the context cookie: %v", w.Result().Cookies())
	}
	sc, err := session.NewCodec("test-secret").Decode(tok)
	if err != nil {
		t.Fatalf("decode refreshed cookie: %v", err)
	}
	if sc.OrderID != "ordhnd000001" || sc.Amount != "250" || sc.Email != "payer@example.com" {
		t.Fatalf("cookie not rebuilt from the record: %+v", sc)
	}
}

func TestPaymentSuccess_UsesCookieWhenQueryMissing(t *testing.T) {
	rec := &fakeReconSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	tok, _ := session.NewCodec("test-secret").Encode(session.Context{OrderID: "ordctx000002"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-success", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: tok})
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if rec.gotRedirect != "ordctx000002" {
		t.Fatalf("redirect applied to %q; want cookie order", rec.gotRedirect)
	}
}

func TestPaymentSuccess_OrphanRejected(t *testing.T) {
	rec := &fakeReconSvc{err: services.ErrTransactionNotFound}
	r := newRouter(&fakeOrderSvc{}, rec, &fakeStatusSvc{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-success?order_id=ghost", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
}

func TestPaymentSuccess_OrphanWithCookieDegradesToFallbackView(t *testing.T) {
	rec := &fakeReconSvc{err: services.ErrTransactionNotFound}
	st := &fakeStatusSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, rec, st)

	tok, _ := session.NewCodec("test-secret").Encode(session.Context{OrderID: "ordhnd000001", Amount: "250"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/payment-success?order_id=ordhnd000001", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: tok})
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if st.gotFallback == nil || st.gotFallback.OrderID != "ordhnd000001" {
		t.Fatalf("fallback lookup not attempted: %+v", st.gotFallback)
	}
}

// ----- VerifyPayment -----

func TestVerifyPayment_Found(t *testing.T) {
	st := &fakeStatusSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := postForm(r, "/verify-payment", url.Values{"order_id": {"ordhnd000001"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
}

func TestVerifyPayment_PassesContextToLookup(t *testing.T) {
	st := &fakeStatusSvc{tx: sampleTx()}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	tok, _ := session.NewCodec("test-secret").Encode(session.Context{OrderID: "ordhnd000001", Amount: "250"})
	w := httptest.NewRecorder()
	form := url.Values{"order_id": {"ordhnd000001"}}
	req := httptest.NewRequest(http.MethodPost, "/verify-payment", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: tok})
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	if st.gotFallback == nil || st.gotFallback.OrderID != "ordhnd000001" {
		t.Fatalf("session context not handed to the lookup: %+v", st.gotFallback)
	}
}

func TestVerifyPayment_MissingOrderID(t *testing.T) {
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, &fakeStatusSvc{})
	w := postForm(r, "/verify-payment", url.Values{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
}

func TestVerifyPayment_NotFoundVsStoreError(t *testing.T) {
	t.Run("unknown order is 404", func(t *testing.T) {
		st := &fakeStatusSvc{txErr: services.ErrTransactionNotFound}
		r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)
		w := postForm(r, "/verify-payment", url.Values{"order_id": {"ghost"}})
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d; want 404", w.Code)
		}
	})
	t.Run("store failure is 500", func(t *testing.T) {
		st := &fakeStatusSvc{txErr: errors.New("db gone")}
		r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)
		w := postForm(r, "/verify-payment", url.Values{"order_id": {"ordhnd000001"}})
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d; want 500", w.Code)
		}
	})
}

// ----- History -----

func TestHistory_Paginated(t *testing.T) {
	st := &fakeStatusSvc{items: []domain.Transaction{*sampleTx()}, total: 41}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history?page=2&page_size=10", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	resp := decodeBody[HistoryResponse](t, w)
	if resp.Pagination.Total != 41 || resp.Pagination.TotalPages != 5 || !resp.Pagination.HasNext {
		t.Fatalf("pagination: %+v", resp.Pagination)
	}
	if st.gotPage != 2 || st.gotSize != 10 {
		t.Fatalf("service got page %d size %d", st.gotPage, st.gotSize)
	}
}

func TestHistory_ClampsPageSize(t *testing.T) {
	st := &fakeStatusSvc{}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history?page=-3&page_size=9999", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if st.gotPage != 1 || st.gotSize != 100 {
		t.Fatalf("clamping failed: page %d size %d", st.gotPage, st.gotSize)
	}
}

func TestHistory_ETagAndNotModified(t *testing.T) {
	st := &fakeStatusSvc{etag: `W/"7-1750000000"`, items: []domain.Transaction{*sampleTx()}, total: 7}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("ETag"); got != st.etag {
		t.Fatalf("ETag = %q; want %q", got, st.etag)
	}

	// Replaying the tag skips the page build.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("If-None-Match", st.etag)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified {
		t.Fatalf("status = %d; want 304", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("304 carried a body: %s", w.Body)
	}
}

// ----- HistoryEvents -----

func TestHistoryEvents_Trail(t *testing.T) {
	st := &fakeStatusSvc{events: []domain.TransactionEvent{
		{ID: "e1", OrderID: "ordhnd000001", Source: domain.EventSourceRequest, Payload: "{}"},
		{ID: "e2", OrderID: "ordhnd000001", Source: domain.EventSourceWebhook, Payload: "{}"},
	}}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history/ordhnd000001/events", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", w.Code, w.Body)
	}
	var resp struct {
		OrderID string          `json:"order_id"`
		Events  []EventResponse `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "ordhnd000001" || len(resp.Events) != 2 {
		t.Fatalf("unexpected body: %s", w.Body)
	}
}

func TestHistoryEvents_UnknownOrder(t *testing.T) {
	st := &fakeStatusSvc{eventsErr: services.ErrTransactionNotFound}
	r := newRouter(&fakeOrderSvc{}, &fakeReconSvc{}, st)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/history/ghost/events", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", w.Code)
	}
}
