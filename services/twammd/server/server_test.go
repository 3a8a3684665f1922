package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"twamm/core/events"
	"twamm/crypto"
	nativecommon "twamm/native/common"
	"twamm/native/twamm"
	"twamm/services/twammd/storage"
	"twamm/services/twammd/venue"
)

const (
	testPool  = "atok-btok"
	testToken = "operator-secret"
)

type harness struct {
	t       *testing.T
	now     uint64
	store   *storage.Storage
	coord   *twamm.Coordinator
	pauses  *nativecommon.PauseSet
	events  *events.Buffer
	handler http.Handler
}

func newHarness(t *testing.T, limit RateLimit) *harness {
	t.Helper()
	return newHarnessWith(t, limit, nil)
}

func newHarnessWith(t *testing.T, limit RateLimit, owners *OwnerAuth) *harness {
	t.Helper()
	store, err := storage.Open("sqlite", storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	custody := crypto.ModuleAddress("twamm")
	v := venue.New(store, custody, nil)
	ctx := context.Background()
	_, err = v.Seed(ctx, testPool, "ATOK", "BTOK", uint256.NewInt(1_000_000_000), uint256.NewInt(1_000_000_000))
	require.NoError(t, err)

	h := &harness{t: t, store: store, pauses: nativecommon.NewPauseSet(), events: events.NewBuffer(16)}
	params := twamm.DefaultParams()
	params.IncentiveAsset = "FEE"
	tstore := twamm.NewStore()
	engine := twamm.NewEngine(tstore, v, params)
	ledger := storage.NewLedger(store, custody)
	payer := storage.NewIncentivePayer(ledger, func() string { return engine.Params().IncentiveAsset })
	h.coord = twamm.NewCoordinator(tstore, engine, ledger, payer, func() uint64 { return h.now })
	h.coord.SetPauses(h.pauses)
	h.coord.SetEmitter(h.events)
	require.NoError(t, h.coord.InitializePool(testPool, "ATOK", "BTOK"))

	srv, err := New(Config{ListenAddress: "127.0.0.1:0", TLS: TLSConfig{Disabled: true}}, Deps{
		Coordinator: h.coord,
		Storage:     store,
		Events:      h.events,
		Pauses:      h.pauses,
		Venue:       v,
		Admin:       NewAdminAuth(testToken),
		RateLimiter: NewRateLimiter(limit),
		Owners:      owners,
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

func trader(seed byte) crypto.Address {
	return crypto.NewAddress(crypto.TraderPrefix, bytes.Repeat([]byte{seed}, crypto.AddressLength))
}

func (h *harness) credit(owner crypto.Address, asset string, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.store.Credit(context.Background(), owner.String(), asset, uint256.NewInt(amount)))
}

func (h *harness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) submit(owner crypto.Address, amount string, direction string, key string) *httptest.ResponseRecorder {
	h.t.Helper()
	headers := map[string]string{OwnerHeader: owner.String()}
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	return h.do(http.MethodPost, "/v1/orders", map[string]any{
		"pool_id":        testPool,
		"direction":      direction,
		"amount":         amount,
		"duration_ticks": 100,
		"incentive":      "100",
	}, headers)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitOrderAndReplayIdempotencyKey(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice := trader(1)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 200)

	first := h.submit(alice, "1000", "a_to_b", "submit-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	order := decode[orderView](t, first)
	require.Equal(t, "10", order.SellRate)
	require.Equal(t, alice.String(), order.Owner)

	replay := h.submit(alice, "1000", "a_to_b", "submit-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), replay.Body.String())
	require.Len(t, h.coord.OrdersByOwner(alice), 1)

	reused := h.submit(alice, "1200", "a_to_b", "submit-1")
	require.Equal(t, http.StatusConflict, reused.Code, reused.Body.String())
	require.Len(t, h.coord.OrdersByOwner(alice), 1)

	balances := decode[map[string]string](t, h.do(http.MethodGet, "/v1/accounts/"+alice.String()+"/balances", nil, nil))
	require.Equal(t, "1000", balances["ATOK"])
	require.Equal(t, "100", balances["FEE"])
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice := trader(1)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 200)

	rec := h.do(http.MethodPost, "/v1/orders", map[string]any{"pool_id": testPool}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.submit(alice, "10", "a_to_b", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.submit(alice, "1000", "sideways", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.submit(alice, "5000", "a_to_b", "")
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Empty(t, h.coord.OrdersByOwner(alice))
}

func TestExecuteRecordsSettlementAndTWAP(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice, bob, keeper := trader(1), trader(2), trader(3)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 100)
	h.credit(bob, "BTOK", 1_000)
	h.credit(bob, "FEE", 100)
	require.Equal(t, http.StatusCreated, h.submit(alice, "1000", "a_to_b", "").Code)
	require.Equal(t, http.StatusCreated, h.submit(bob, "500", "b_to_a", "").Code)

	rec := h.do(http.MethodGet, "/v1/pools/"+testPool+"/twap", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	h.now = 50
	estimate := decode[map[string]any](t, h.do(http.MethodGet, "/v1/pools/"+testPool+"/estimate", nil, nil))
	require.Equal(t, true, estimate["needs_execution"])

	rec = h.do(http.MethodPost, "/v1/pools/"+testPool+"/execute", nil, map[string]string{OwnerHeader: keeper.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[resultView](t, rec)
	require.True(t, result.Success)
	require.Len(t, result.Fills, 2)
	require.NotNil(t, result.Leg)
	require.Equal(t, "a_to_b", result.Leg.Direction)

	settlements := decode[[]settlementView](t, h.do(http.MethodGet, "/v1/pools/"+testPool+"/settlements", nil, nil))
	require.Len(t, settlements, 1)
	require.Equal(t, keeper.String(), settlements[0].Caller)
	require.Equal(t, uint64(50), settlements[0].To)

	rec = h.do(http.MethodGet, "/v1/pools/"+testPool+"/twap", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	twap := decode[map[string]any](t, rec)
	require.NotEqual(t, "0", twap["twap"])

	balances := decode[map[string]string](t, h.do(http.MethodGet, "/v1/accounts/"+keeper.String()+"/balances", nil, nil))
	require.Equal(t, "100", balances["FEE"])

	rec = h.do(http.MethodPost, "/v1/pools/"+testPool+"/execute", nil, map[string]string{OwnerHeader: keeper.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decode[resultView](t, rec).Success)
	require.Len(t, decode[[]settlementView](t, h.do(http.MethodGet, "/v1/pools/"+testPool+"/settlements", nil, nil)), 1)

	export := "/admin/pools/" + testPool + "/settlements.parquet"
	require.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, export, nil, nil).Code)
	rec = h.do(http.MethodGet, export, nil, map[string]string{"Authorization": "Bearer " + testToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/vnd.apache.parquet", rec.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PAR1")))
	rec = h.do(http.MethodGet, "/admin/pools/missing/settlements.parquet", nil, map[string]string{"Authorization": "Bearer " + testToken})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRequiresOwner(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice, mallory := trader(1), trader(9)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 100)
	order := decode[orderView](t, h.submit(alice, "1000", "a_to_b", ""))
	path := "/v1/orders/" + jsonNumber(order.ID)

	rec := h.do(http.MethodPost, path+"/cancel", nil, map[string]string{OwnerHeader: mallory.String()})
	require.Equal(t, http.StatusForbidden, rec.Code)

	h.now = 20
	executable := decode[map[string]any](t, h.do(http.MethodGet, path+"/executable", nil, nil))
	require.Equal(t, "200", executable["executable"])

	rec = h.do(http.MethodPost, path+"/cancel", nil, map[string]string{OwnerHeader: alice.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[map[string]any](t, rec)
	require.Equal(t, "800", receipt["refund"])
	require.Equal(t, "200", receipt["forfeited"])

	rec = h.do(http.MethodPost, path+"/cancel", nil, map[string]string{OwnerHeader: alice.String()})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodGet, "/v1/orders/999", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmergencyWithdrawChargesPenalty(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice := trader(1)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 100)
	order := decode[orderView](t, h.submit(alice, "1000", "a_to_b", ""))

	rec := h.do(http.MethodPost, "/v1/orders/"+jsonNumber(order.ID)+"/withdraw", nil, map[string]string{OwnerHeader: alice.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[map[string]any](t, rec)
	require.Equal(t, "990", receipt["refund"])
	require.Equal(t, "10", receipt["penalty"])
}

func TestAdminRoutesRequireBearerToken(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice := trader(1)

	body := map[string]any{"module": "twamm", "paused": true}
	rec := h.do(http.MethodPost, "/admin/pause", body, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(http.MethodPost, "/admin/pause", body, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	auth := map[string]string{"Authorization": "Bearer " + testToken}
	rec = h.do(http.MethodPost, "/admin/credit", map[string]any{"address": alice.String(), "asset": "atok", "amount": "2000"}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "2000", decode[map[string]string](t, rec)["balance"])
	h.credit(alice, "FEE", 100)

	rec = h.do(http.MethodPost, "/admin/pause", body, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, h.pauses.IsPaused("twamm"))

	rec = h.submit(alice, "1000", "a_to_b", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(http.MethodPut, "/admin/params", map[string]any{"slippage_bps": 75}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(75), h.coord.Params().SlippageBps)
	require.Equal(t, uint64(1_000), h.coord.Params().MaxPriceImpactBps)

	rec = h.do(http.MethodPut, "/admin/params", map[string]any{"max_price_impact_bps": 9_000}, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCreatePool(t *testing.T) {
	h := newHarness(t, RateLimit{})
	auth := map[string]string{"Authorization": "Bearer " + testToken}
	body := map[string]any{"id": "ctok-dtok", "asset_a": "ctok", "asset_b": "dtok", "reserve_a": "500000", "reserve_b": "250000"}

	rec := h.do(http.MethodPost, "/admin/pools", body, auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pool := decode[poolView](t, rec)
	require.Equal(t, "CTOK", pool.AssetA)

	rec = h.do(http.MethodPost, "/admin/pools", body, auth)
	require.Equal(t, http.StatusConflict, rec.Code)

	pools := decode[[]poolView](t, h.do(http.MethodGet, "/v1/pools", nil, nil))
	require.Len(t, pools, 2)

	quote := h.do(http.MethodGet, "/v1/pools/ctok-dtok/quote?direction=a_to_b&amount=1000&duration=10", nil, nil)
	require.Equal(t, http.StatusOK, quote.Code, quote.Body.String())
	require.Equal(t, "100", decode[map[string]any](t, quote)["sell_rate"])
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	h := newHarness(t, RateLimit{RequestsPerMinute: 1, Burst: 2})
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/params", nil, nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, h.do(http.MethodGet, "/v1/params", nil, nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/params", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil, nil).Code)
}

func TestUnknownPoolReturnsNotFound(t *testing.T) {
	h := newHarness(t, RateLimit{})
	rec := h.do(http.MethodGet, "/v1/pools/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "error"))
}

func TestParseBearerToken(t *testing.T) {
	require.Equal(t, "abc", parseBearerToken("Bearer abc"))
	require.Equal(t, "abc", parseBearerToken("bearer  abc "))
	require.Empty(t, parseBearerToken("Basic abc"))
	require.Empty(t, parseBearerToken(""))
}

func jsonNumber(v uint64) string {
	out, _ := json.Marshal(v)
	return string(out)
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice := trader(1)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 200)
	rec := h.submit(alice, "1000", "a_to_b", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[orderView](t, rec)

	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	next := func(eventType string) events.Record {
		for {
			_, data, err := conn.Read(ctx)
			require.NoError(t, err)
			var record events.Record
			require.NoError(t, json.Unmarshal(data, &record))
			if record.Event != nil && record.Event.Type == eventType {
				return record
			}
		}
	}
	submitted := next(twamm.EventTypeOrderSubmitted)
	require.NotZero(t, submitted.Sequence)

	rec = h.do(http.MethodPost, fmt.Sprintf("/v1/orders/%d/cancel", order.ID), nil, map[string]string{OwnerHeader: alice.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := next(twamm.EventTypeOrderCancelled)
	require.Greater(t, cancelled.Sequence, submitted.Sequence)
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	h := newHarness(t, RateLimit{})
	rec := h.do(http.MethodGet, "/v1/events/stream?after=x", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

const ownerSecret = "owner-token-secret-0123456789abcdef"

func ownerToken(t *testing.T, secret string, owner crypto.Address, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner.String(),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestOwnerTokenRequiredForMutations(t *testing.T) {
	owners := NewOwnerAuth(OwnerAuthConfig{HMACSecret: ownerSecret}, log.New(io.Discard, "", 0))
	require.NotNil(t, owners)
	h := newHarnessWith(t, RateLimit{}, owners)
	alice, bob := trader(1), trader(2)
	h.credit(alice, "ATOK", 2_000)
	h.credit(alice, "FEE", 200)
	body := map[string]any{
		"pool_id":        testPool,
		"direction":      "a_to_b",
		"amount":         "1000",
		"duration_ticks": 100,
		"incentive":      "100",
	}
	bearer := func(token string) string { return "Bearer " + token }
	aliceToken := ownerToken(t, ownerSecret, alice, time.Now().Add(time.Hour))

	rec := h.do(http.MethodPost, "/v1/orders", body, map[string]string{OwnerHeader: alice.String()})
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/orders", body, map[string]string{
		"Authorization": bearer(ownerToken(t, "some-other-secret-0123456789abcdef", alice, time.Now().Add(time.Hour))),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, "/v1/orders", body, map[string]string{
		"Authorization": bearer(ownerToken(t, ownerSecret, alice, time.Now().Add(-time.Hour))),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())

	// The header may not name anyone but the token subject.
	rec = h.do(http.MethodPost, "/v1/orders", body, map[string]string{
		"Authorization": bearer(aliceToken),
		OwnerHeader:     bob.String(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	require.Empty(t, h.coord.OrdersByOwner(alice))
	require.Empty(t, h.coord.OrdersByOwner(bob))

	rec = h.do(http.MethodPost, "/v1/orders", body, map[string]string{"Authorization": bearer(aliceToken)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[orderView](t, rec)
	require.Equal(t, alice.String(), order.Owner)
	path := fmt.Sprintf("/v1/orders/%d", order.ID)

	rec = h.do(http.MethodPost, path+"/cancel", nil, map[string]string{
		"Authorization": bearer(ownerToken(t, ownerSecret, bob, time.Now().Add(time.Hour))),
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, path+"/claim", nil, map[string]string{"Authorization": bearer(aliceToken)})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = h.do(http.MethodPost, path+"/cancel", nil, map[string]string{
		"Authorization": bearer(aliceToken),
		OwnerHeader:     alice.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Reads stay open.
	rec = h.do(http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewOwnerAuthDisabledWithoutSecret(t *testing.T) {
	require.Nil(t, NewOwnerAuth(OwnerAuthConfig{HMACSecret: "  "}, nil))
}
