package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/service"
	"course-checkout/internal/store"
	"course-checkout/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	jwtSecret     = "test-jwt-secret"
	webhookSecret = "whsec_test"
	buyer         = int64(42)
	courseID      = int64(1)
)

type fakeGateway struct {
	mu       sync.Mutex
	sessions map[string]*gateway.Session
	created  int
}

func (g *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	ref := fmt.Sprintf("cs_test_%d", g.created)
	s := &gateway.Session{
		Ref:           ref,
		URL:           "https://checkout.test/" + ref,
		PaymentStatus: gateway.PaymentStatusUnpaid,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Metadata:      req.Metadata,
	}
	g.sessions[ref] = s
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) GetSession(_ context.Context, ref string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[ref]
	if !ok {
		return nil, fmt.Errorf("no such session %s", ref)
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) pay(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[ref].PaymentStatus = gateway.PaymentStatusPaid
	g.sessions[ref].ChargeRef = "pi_" + ref
}

type testServer struct {
	router  *gin.Engine
	gateway *fakeGateway
	store   *store.MemoryStore
	logs    *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core, logs := observer.New(zapcore.DebugLevel)
	previous := util.GetLogger()
	util.SetLogger(zap.New(core))
	t.Cleanup(func() { util.SetLogger(previous) })

	st := store.NewMemoryStore()
	st.AddCourse(models.Course{
		ID:       courseID,
		Title:    "Go Fundamentals",
		Price:    decimal.RequireFromString("50.00"),
		Currency: "USD",
	})
	gw := &fakeGateway{sessions: make(map[string]*gateway.Session)}

	ledger := service.NewOrderLedger(st)
	payments := service.NewPaymentRecorder(st)
	enrollments := service.NewEnrollmentGrantor(st)
	reconciler := service.NewReconciler(ledger, payments, enrollments, nil)
	checkout := service.NewCheckoutService(st, ledger, enrollments, reconciler, gw, nil, service.CheckoutConfig{
		SuccessURL: "https://app.test/api/v1/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://app.test/api/v1/checkout/cancel",
	})

	router := gin.New()
	NewHandler(checkout, ledger, payments,
		gateway.NewStripeVerifier(webhookSecret, 5*time.Minute), st,
		Config{JWTSecret: jwtSecret}).SetupRoutes(router)

	return &testServer{router: router, gateway: gw, store: st, logs: logs}
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) startCheckout(t *testing.T, userID int64) map[string]string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/checkout",
		[]byte(fmt.Sprintf(`{"course_id": %d}`, courseID)),
		map[string]string{"Authorization": "Bearer " + token(t, userID)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func signature(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func webhookPayload(sessionRef, orderID string, amountMinor int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_%s",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"object": "checkout.session",
			"payment_status": "paid",
			"payment_intent": "pi_%s",
			"amount_total": %d,
			"currency": "usd",
			"metadata": {"order_id": %q}
		}}
	}`, sessionRef, sessionRef, sessionRef, amountMinor, orderID))
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestStartCheckout(t *testing.T) {
	s := newTestServer(t)

	first := s.startCheckout(t, buyer)
	assert.NotEmpty(t, first["order_id"])
	assert.Equal(t, "cs_test_1", first["session_id"])
	assert.Equal(t, "https://checkout.test/cs_test_1", first["checkout_url"])

	second := s.startCheckout(t, buyer)
	assert.Equal(t, first["order_id"], second["order_id"], "one pending order per user and course")

	t.Run("no token", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/checkout", []byte(`{"course_id": 1}`), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with another secret", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": buyer}).
			SignedString([]byte("not-the-secret"))
		require.NoError(t, err)
		w := s.do(t, http.MethodPost, "/api/v1/checkout", []byte(`{"course_id": 1}`),
			map[string]string{"Authorization": "Bearer " + forged})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/checkout", []byte(`{"course_id": "x"}`),
			map[string]string{"Authorization": "Bearer " + token(t, buyer)})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown course", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/checkout", []byte(`{"course_id": 99}`),
			map[string]string{"Authorization": "Bearer " + token(t, buyer)})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestWebhookCompletesOrder(t *testing.T) {
	s := newTestServer(t)
	checkout := s.startCheckout(t, buyer)
	sessionRef, orderID := checkout["session_id"], checkout["order_id"]

	payload := webhookPayload(sessionRef, orderID, 5000)
	headers := map[string]string{"Stripe-Signature": signature(payload, webhookSecret)}

	w := s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processed", decode(t, w)["disposition"])

	// re-delivery is acknowledged and changes nothing
	w = s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["disposition"])

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+orderID, nil,
		map[string]string{"Authorization": "Bearer " + token(t, buyer)})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "completed", body["order"].(map[string]any)["status"])
	assert.Equal(t, "pi_"+sessionRef, body["payment"].(map[string]any)["charge_ref"])

	w = s.do(t, http.MethodPost, "/api/v1/checkout", []byte(`{"course_id": 1}`),
		map[string]string{"Authorization": "Bearer " + token(t, buyer)})
	assert.Equal(t, http.StatusConflict, w.Code, "a paid course cannot be bought again")
}

func TestWebhookRejections(t *testing.T) {
	s := newTestServer(t)
	checkout := s.startCheckout(t, buyer)
	sessionRef, orderID := checkout["session_id"], checkout["order_id"]

	t.Run("bad signature", func(t *testing.T) {
		payload := webhookPayload(sessionRef, orderID, 5000)
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload,
			map[string]string{"Stripe-Signature": signature(payload, "whsec_other")})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotZero(t, s.logs.FilterMessage("Webhook rejected").FilterField(zap.String("reason", "signature")).Len())
	})

	t.Run("amount mismatch", func(t *testing.T) {
		payload := webhookPayload(sessionRef, orderID, 100)
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload,
			map[string]string{"Stripe-Signature": signature(payload, webhookSecret)})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotZero(t, s.logs.FilterMessage("Webhook rejected").FilterField(zap.String("reason", "verification")).Len())
	})

	t.Run("unknown session is acknowledged", func(t *testing.T) {
		payload := webhookPayload("cs_test_unknown", "", 5000)
		w := s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload,
			map[string]string{"Stripe-Signature": signature(payload, webhookSecret)})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "unknown_order", decode(t, w)["disposition"])
	})

	order, err := s.store.GetOrderByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status, "rejected deliveries mutate nothing")
}

func TestCheckoutSuccessRedirect(t *testing.T) {
	s := newTestServer(t)
	checkout := s.startCheckout(t, buyer)
	sessionRef := checkout["session_id"]

	w := s.do(t, http.MethodGet, "/api/v1/checkout/success", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/checkout/success?session_id="+sessionRef, nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "processing", decode(t, w)["status"])

	s.gateway.pay(sessionRef)
	w = s.do(t, http.MethodGet, "/api/v1/checkout/success?session_id="+sessionRef, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, checkout["order_id"], body["order_id"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, true, body["enrolled"])

	w = s.do(t, http.MethodGet, "/api/v1/checkout/success?session_id=cs_test_nope", nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/checkout/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOrders(t *testing.T) {
	s := newTestServer(t)
	checkout := s.startCheckout(t, buyer)

	w := s.do(t, http.MethodGet, "/api/v1/orders", nil,
		map[string]string{"Authorization": "Bearer " + token(t, buyer)})
	require.Equal(t, http.StatusOK, w.Code)
	orders := decode(t, w)["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, checkout["order_id"], orders[0].(map[string]any)["order_id"])

	for _, page := range []string{"0", "1000000000000000000", "99999999999999999999"} {
		w = s.do(t, http.MethodGet, "/api/v1/orders?page="+page, nil,
			map[string]string{"Authorization": "Bearer " + token(t, buyer)})
		assert.Equal(t, http.StatusBadRequest, w.Code, "page %s", page)
	}

	w = s.do(t, http.MethodGet, "/api/v1/orders?page=2", nil,
		map[string]string{"Authorization": "Bearer " + token(t, buyer)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["orders"])

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+checkout["order_id"], nil,
		map[string]string{"Authorization": "Bearer " + token(t, 7)})
	assert.Equal(t, http.StatusNotFound, w.Code, "other users' orders are invisible")
}

func TestParseUserToken(t *testing.T) {
	id, err := parseUserToken(token(t, buyer), jwtSecret)
	require.NoError(t, err)
	assert.Equal(t, buyer, id)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "42"}).
		SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	_, err = parseUserToken(noUser, jwtSecret)
	assert.ErrorIs(t, err, errMissingUserClaim)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": buyer,
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	_, err = parseUserToken(expired, jwtSecret)
	assert.Error(t, err)
}
