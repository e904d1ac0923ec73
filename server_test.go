package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"shopflow/internal/cart"
	"shopflow/internal/catalog"
	"shopflow/internal/checkout"
	"shopflow/internal/storage"
)

var testSecret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	srv     *Server
	handler http.Handler
}

func newTestServer(t *testing.T, kv storage.Store, delay time.Duration) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(ctx, ServerConfig{
		Store:     kv,
		Catalog:   catalog.Default(),
		Processor: checkout.SimulatedProcessor{Delay: delay},
		Secret:    testSecret,
	})
	return &testServer{srv: srv, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

// login mints a shopper token through the middleware.
func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodGet, "/api/cart", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get(tokenHeader)
	require.NotEmpty(t, token)
	return token
}

func decodeCart(t *testing.T, w *httptest.ResponseRecorder) cart.View {
	t.Helper()
	var v cart.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func checkoutFields() map[string]string {
	return map[string]string{
		"email":      "jo@example.com",
		"firstName":  "Jo",
		"lastName":   "Doe",
		"address":    "1 Main St",
		"city":       "Springfield",
		"state":      "IL",
		"zipCode":    "62701",
		"cardNumber": "4111 1111 1111 1111",
		"expiryDate": "12/99",
		"cvv":        "123",
	}
}

func TestTokens(t *testing.T) {
	tk := tokens{secret: testSecret}
	id := uuid.NewString()

	token, err := tk.issue(id, time.Now())
	require.NoError(t, err)
	got, err := tk.parse(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = tokens{secret: []byte("other")}.parse(token)
	assert.Error(t, err)

	expired, err := tk.issue(id, time.Now().Add(-2*tokenTTL))
	require.NoError(t, err)
	_, err = tk.parse(expired)
	assert.Error(t, err)

	notUUID, err := tk.issue("shopper-1", time.Now())
	require.NoError(t, err)
	_, err = tk.parse(notUUID)
	assert.Error(t, err)
}

func TestShopperMiddleware(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)

	w := ts.do(t, http.MethodGet, "/api/cart", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Header().Get(tokenHeader)
	require.NotEmpty(t, token)
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, token, cookie.Value)
	assert.True(t, cookie.HttpOnly)

	// a valid token is reused, not replaced
	w = ts.do(t, http.MethodGet, "/api/cart", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(tokenHeader))

	// the cookie alone identifies the shopper too
	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get(tokenHeader))

	// a forged token gets a fresh identity
	w = ts.do(t, http.MethodGet, "/api/cart", "not-a-token", nil)
	assert.NotEmpty(t, w.Header().Get(tokenHeader))
}

func TestProducts(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)

	w := ts.do(t, http.MethodGet, "/api/products", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cards []catalog.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 6)
	assert.Equal(t, "$299.99", cards[0].Price)

	w = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCartFlow(t *testing.T) {
	kv := storage.NewMemory()
	ts := newTestServer(t, kv, time.Millisecond)
	token := ts.login(t)

	w := ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 3})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 3})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 6})
	require.Equal(t, http.StatusOK, w.Code)

	v := decodeCart(t, w)
	require.Len(t, v.Rows, 2)
	assert.Equal(t, 3, v.Count)
	assert.Equal(t, 2, v.Rows[0].Quantity)
	assert.True(t, v.Summary.Subtotal.Equal(decimal.RequireFromString("219.97")))
	assert.Equal(t, cart.FreeShippingLabel, v.Summary.ShippingLabel)

	w = ts.do(t, http.MethodPut, "/api/cart/3", token, gin.H{"delta": -1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeCart(t, w).Rows[0].Quantity)

	w = ts.do(t, http.MethodPut, "/api/cart/3", token, gin.H{"delta": -1})
	require.Equal(t, http.StatusOK, w.Code)
	v = decodeCart(t, w)
	require.Len(t, v.Rows, 1)
	assert.Equal(t, 6, v.Rows[0].ID)
	assert.Equal(t, "$5.99", v.Summary.ShippingLabel)

	w = ts.do(t, http.MethodDelete, "/api/cart/6", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeCart(t, w).Empty)

	ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 1})
	w = ts.do(t, http.MethodPost, "/api/cart/clear", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeCart(t, w).Empty)

	raw, ok, err := kv.Get(context.Background(), mustShopper(t, token)+storage.Separator+cart.DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[]", raw)
}

func TestCartErrors(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)
	token := ts.login(t)

	w := ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 999})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/cart/abc", token, gin.H{"delta": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// absent items are ignored
	w = ts.do(t, http.MethodDelete, "/api/cart/2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeCart(t, w).Empty)
}

func TestCartsAreScopedPerShopper(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)
	alice, bob := ts.login(t), ts.login(t)

	ts.do(t, http.MethodPost, "/api/cart", alice, gin.H{"productId": 1})

	w := ts.do(t, http.MethodGet, "/api/cart", bob, nil)
	assert.True(t, decodeCart(t, w).Empty)
	w = ts.do(t, http.MethodGet, "/api/cart", alice, nil)
	assert.Equal(t, 1, decodeCart(t, w).Count)
}

func TestCheckoutEmptyCart(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)
	token := ts.login(t)

	w := ts.do(t, http.MethodGet, "/api/checkout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view checkout.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotNil(t, view.EmptyCart)
	assert.Equal(t, checkout.MsgEmptyCart, view.EmptyCart.Title)

	w = ts.do(t, http.MethodPost, "/api/checkout", token, gin.H{"fields": checkoutFields()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), checkout.MsgEmptyCart)
}

func TestCheckoutFieldEvents(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)
	token := ts.login(t)

	var resp struct {
		Value   string `json:"value"`
		State   string `json:"state"`
		Error   string `json:"error"`
		ErrorID string `json:"errorId"`
	}

	w := ts.do(t, http.MethodPost, "/api/checkout/fields/cardNumber", token, gin.H{"value": "41111111", "event": "input"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "4111 1111", resp.Value)
	assert.Empty(t, resp.Error)

	w = ts.do(t, http.MethodPost, "/api/checkout/fields/cardNumber", token, gin.H{"event": "blur", "value": "41111111"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Please enter a valid card number", resp.Error)
	assert.Equal(t, "cardNumber-error", resp.ErrorID)

	w = ts.do(t, http.MethodPost, "/api/checkout/fields/email", token, gin.H{"value": "x", "event": "hover"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/checkout/fields/nickname", token, gin.H{"value": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckoutValidation(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), time.Millisecond)
	token := ts.login(t)
	ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 2})
	w := ts.do(t, http.MethodGet, "/api/checkout", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	fields := checkoutFields()
	fields["email"] = "not-an-email"
	delete(fields, "cvv")

	w = ts.do(t, http.MethodPost, "/api/checkout", token, gin.H{"fields": fields})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, checkout.MsgFixErrors, resp.Error)
	assert.Equal(t, map[string]string{
		"email": "Please enter a valid email address",
		"cvv":   "CVV is required",
	}, resp.Fields)

	// nothing was recorded and the cart is untouched
	w = ts.do(t, http.MethodGet, "/api/orders", token, nil)
	assert.JSONEq(t, "[]", w.Body.String())
	w = ts.do(t, http.MethodGet, "/api/cart", token, nil)
	assert.Equal(t, 1, decodeCart(t, w).Count)
}

func TestPlaceOrder(t *testing.T) {
	ts := newTestServer(t, storage.NewMemory(), 20*time.Millisecond)
	token := ts.login(t)
	ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 6})

	w := ts.do(t, http.MethodGet, "/api/checkout", token, nil)
	var view checkout.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotNil(t, view.Summary)
	assert.Equal(t, "$49.18", view.Summary.TotalLabel)

	w = ts.do(t, http.MethodPost, "/api/checkout", token, gin.H{"fields": checkoutFields()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Order        checkout.Order        `json:"order"`
		Confirmation checkout.Confirmation `json:"confirmation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Regexp(t, `^SF[0-9A-Z]+$`, resp.Order.OrderNumber)
	assert.Equal(t, resp.Order.OrderNumber, resp.Confirmation.OrderNumber)
	assert.True(t, resp.Order.Total.Equal(decimal.RequireFromString("49.18")))
	require.Len(t, resp.Order.Items, 1)
	assert.Equal(t, "4111 1111 1111 1111", resp.Order.Customer["cardNumber"])

	w = ts.do(t, http.MethodGet, "/api/cart", token, nil)
	assert.True(t, decodeCart(t, w).Empty)

	w = ts.do(t, http.MethodGet, "/api/orders", token, nil)
	var orders []checkout.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, resp.Order.OrderNumber, orders[0].OrderNumber)
}

// Two replicas sharing one store behave like two tabs of the same shop.
func TestCrossReplicaSync(t *testing.T) {
	kv := storage.NewMemory()
	a := newTestServer(t, kv, time.Millisecond)
	b := newTestServer(t, kv, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.srv.Run(ctx)
	go b.srv.Run(ctx)

	token := a.login(t)
	// open the shopper's session on b before a writes
	w := b.do(t, http.MethodGet, "/api/cart", token, nil)
	require.True(t, decodeCart(t, w).Empty)

	// give both pumps time to subscribe
	require.Eventually(t, func() bool {
		a.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 4})
		w := b.do(t, http.MethodGet, "/api/cart", token, nil)
		return decodeCart(t, w).Count > 0
	}, 2*time.Second, 20*time.Millisecond)

	a.do(t, http.MethodPost, "/api/cart/clear", token, nil)
	require.Eventually(t, func() bool {
		w := b.do(t, http.MethodGet, "/api/cart", token, nil)
		return decodeCart(t, w).Empty
	}, 2*time.Second, 10*time.Millisecond)
}

func mustShopper(t *testing.T, token string) string {
	t.Helper()
	id, err := tokens{secret: testSecret}.parse(token)
	require.NoError(t, err)
	return id
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails the next failGets reads.
type flakyStore struct {
	storage.Store
	failGets atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failGets.Add(-1) >= 0 {
		return "", false, errStoreDown
	}
	return f.Store.Get(ctx, key)
}

// blockingStore holds reads of keys under prefix until release is closed.
type blockingStore struct {
	storage.Store
	prefix  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.HasPrefix(key, b.prefix) {
		b.once.Do(func() { close(b.entered) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return b.Store.Get(ctx, key)
}

func seedCart(t *testing.T, kv storage.Store, shopperID string, items ...cart.Item) {
	t.Helper()
	raw, err := cart.Encode(items)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), shopperID+storage.Separator+cart.DefaultKey, raw))
}

func lineOf(t *testing.T, id, quantity int) cart.Item {
	t.Helper()
	p, err := catalog.Default().Lookup(id)
	require.NoError(t, err)
	return cart.Item{Product: p, Quantity: quantity}
}

func waitClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal(msg)
	}
}

func TestCartLoadFailureKeepsPersistedCart(t *testing.T) {
	kv := &flakyStore{Store: storage.NewMemory()}
	ts := newTestServer(t, kv, time.Millisecond)

	id := uuid.NewString()
	token, err := tokens{secret: testSecret}.issue(id, time.Now())
	require.NoError(t, err)
	seedCart(t, kv, id, lineOf(t, 1, 2))

	kv.failGets.Store(1)
	w := ts.do(t, http.MethodGet, "/api/cart", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	// the failed load is not cached; the next request sees the persisted cart
	w = ts.do(t, http.MethodGet, "/api/cart", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeCart(t, w).Count)

	w = ts.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 3})
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeCart(t, w)
	assert.Equal(t, 3, v.Count)
	assert.Len(t, v.Rows, 2)
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	ss := newSessions(ctx, storage.NewMemory(), catalog.Default(), checkout.SimulatedProcessor{}, zap.NewNop(), time.Minute)
	ss.now = func() time.Time { return now }

	idle, err := ss.get(ctx, "idle")
	require.NoError(t, err)
	streaming, err := ss.get(ctx, "streaming")
	require.NoError(t, err)
	require.NoError(t, idle.cart.Add(ctx, 5))
	streaming.streams.Add(1)

	now = now.Add(30 * time.Second)
	assert.Zero(t, ss.evictIdle())
	assert.Equal(t, 2, ss.len())

	now = now.Add(time.Minute)
	assert.Equal(t, 1, ss.evictIdle())
	waitClosed(t, idle.done, "watcher of evicted session still running")
	assert.Equal(t, 1, ss.len())

	// a returning shopper gets a fresh session with the persisted cart
	again, err := ss.get(ctx, "idle")
	require.NoError(t, err)
	assert.NotSame(t, idle, again)
	assert.Equal(t, 1, again.cart.Count())

	streaming.streams.Add(-1)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, ss.evictIdle())
	waitClosed(t, streaming.done, "watcher of evicted session still running")
	waitClosed(t, again.done, "watcher of evicted session still running")
	assert.Zero(t, ss.len())
}

func TestSlowLoadDoesNotBlockOtherShoppers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	kv := &blockingStore{
		Store:   storage.NewMemory(),
		prefix:  "slow" + storage.Separator,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ss := newSessions(ctx, kv, catalog.Default(), checkout.SimulatedProcessor{}, zap.NewNop(), time.Minute)

	slow := make(chan error, 1)
	go func() {
		_, err := ss.get(ctx, "slow")
		slow <- err
	}()
	waitClosed(t, kv.entered, "slow load never started")

	fast := make(chan *session, 1)
	go func() {
		if s, err := ss.get(ctx, "fast"); err == nil {
			fast <- s
		}
	}()
	var s *session
	select {
	case s = <-fast:
	case <-time.After(time.Second):
		t.Fatal("loading one shopper blocked another")
	}

	raw, err := cart.Encode([]cart.Item{lineOf(t, 2, 1)})
	require.NoError(t, err)
	ss.dispatch(storage.Event{Key: "fast" + storage.Separator + cart.DefaultKey, Value: raw})
	require.Eventually(t, func() bool { return s.cart.Count() == 1 }, time.Second, 5*time.Millisecond)

	close(kv.release)
	require.NoError(t, <-slow)
	assert.Equal(t, 2, ss.len())
}

func TestCartEventsStreamExternalChanges(t *testing.T) {
	kv := storage.NewMemory()
	a := newTestServer(t, kv, time.Millisecond)
	b := newTestServer(t, kv, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.srv.Run(ctx)
	go b.srv.Run(ctx)

	// wait until b routes changes made through a
	warm := a.login(t)
	b.do(t, http.MethodGet, "/api/cart", warm, nil)
	require.Eventually(t, func() bool {
		a.do(t, http.MethodPost, "/api/cart", warm, gin.H{"productId": 1})
		return decodeCart(t, b.do(t, http.MethodGet, "/api/cart", warm, nil)).Count > 0
	}, 2*time.Second, 20*time.Millisecond)

	bsrv := httptest.NewServer(b.handler)
	defer bsrv.Close()

	token := a.login(t)
	reqCtx, stop := context.WithCancel(ctx)
	defer stop()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, bsrv.URL+"/api/cart/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := make(chan cart.View, 8)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		event := ""
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && event == "cart":
				var v cart.View
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &v) == nil {
					frames <- v
				}
			}
		}
	}()

	next := func() cart.View {
		t.Helper()
		select {
		case v, ok := <-frames:
			require.True(t, ok, "stream closed")
			return v
		case <-time.After(2 * time.Second):
			t.Fatal("no cart event")
			return cart.View{}
		}
	}

	assert.True(t, next().Empty)

	w := a.do(t, http.MethodPost, "/api/cart", token, gin.H{"productId": 4})
	require.Equal(t, http.StatusOK, w.Code)
	v := next()
	assert.Equal(t, 1, v.Count)
	require.Len(t, v.Rows, 1)
	assert.Equal(t, 4, v.Rows[0].ID)

	sess, err := b.srv.sessions.get(ctx, mustShopper(t, token))
	require.NoError(t, err)
	assert.True(t, sess.busy())
	stop()
	require.Eventually(t, func() bool { return !sess.busy() }, 2*time.Second, 10*time.Millisecond)
}
