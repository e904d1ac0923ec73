package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"shopflow/internal/cart"
	"shopflow/internal/catalog"
	"shopflow/internal/checkout"
	"shopflow/internal/storage"
)

const (
	sessionCookie = "shopflow_session"
	tokenHeader   = "X-Shopper-Token"
	shopperKey    = "shopperId"
	tokenTTL      = 30 * 24 * time.Hour
)

// ShopperClaims identify an anonymous shopper. The subject is the shopper id, which
// scopes the shopper's keys in the store.
type ShopperClaims struct {
	jwt.StandardClaims
}

type tokens struct {
	secret []byte
}

func (t tokens) issue(shopperID string, now time.Time) (string, error) {
	claims := ShopperClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   shopperID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(tokenTTL).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t tokens) parse(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ShopperClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*ShopperClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("invalid shopper id: %w", err)
	}
	return claims.Subject, nil
}

// ShopperMiddleware resolves the shopper from a bearer token or the session cookie,
// minting a new identity when neither is valid.
func (s *Server) ShopperMiddleware(c *gin.Context) {
	tokenStr := ""
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		tokenStr = strings.TrimPrefix(h, "Bearer ")
	} else if cookie, err := c.Cookie(sessionCookie); err == nil {
		tokenStr = cookie
	}

	if tokenStr != "" {
		if id, err := s.tokens.parse(tokenStr); err == nil {
			c.Set(shopperKey, id)
			c.Next()
			return
		}
	}

	id := uuid.NewString()
	token, err := s.tokens.issue(id, time.Now())
	if err != nil {
		s.logger.Error("failed to sign shopper token", zap.Error(err))
		c.AbortWithStatusJSON(500, gin.H{"error": "could not start session"})
		return
	}
	c.SetCookie(sessionCookie, token, int(tokenTTL.Seconds()), "/", "", false, true)
	c.Header(tokenHeader, token)
	c.Set(shopperKey, id)
	c.Next()
}

// session is one shopper's live state in this process: the analogue of an open
// browser tab on the shop.
type session struct {
	cart     *cart.Store
	orders   *checkout.OrderLog
	checkout *checkout.Page
	events   chan storage.Event

	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen time.Time // guarded by sessions.mu
	streams  atomic.Int32
}

// busy reports whether evicting the session would cut off work in progress.
func (s *session) busy() bool {
	return s.streams.Load() > 0 || s.checkout.Processing()
}

// sessions maps shopper ids to their live state and routes store change events to
// them. Sessions idle for longer than idle are evicted.
type sessions struct {
	ctx       context.Context
	base      storage.Store
	catalog   *catalog.Catalog
	processor checkout.Processor
	logger    *zap.Logger
	idle      time.Duration
	now       func() time.Time

	mu sync.Mutex
	m  map[string]*session
}

func newSessions(ctx context.Context, base storage.Store, cat *catalog.Catalog, processor checkout.Processor, logger *zap.Logger, idle time.Duration) *sessions {
	return &sessions{
		ctx:       ctx,
		base:      base,
		catalog:   cat,
		processor: processor,
		logger:    logger,
		idle:      idle,
		now:       time.Now,
		m:         make(map[string]*session),
	}
}

// get returns the shopper's live session, loading it from the store on first use.
// A failed load is returned and not cached.
func (ss *sessions) get(ctx context.Context, shopperID string) (*session, error) {
	ss.mu.Lock()
	if s, ok := ss.m[shopperID]; ok {
		s.lastSeen = ss.now()
		ss.mu.Unlock()
		return s, nil
	}
	ss.mu.Unlock()

	kv := storage.Namespace(ss.base, shopperID)
	log := ss.logger.With(zap.String("shopper", shopperID))
	store, err := cart.New(ctx, kv, ss.catalog, cart.WithLogger(log))
	if err != nil {
		return nil, err
	}
	orders := checkout.NewOrderLog(kv, log)

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.m[shopperID]; ok {
		// loaded concurrently by another request
		s.lastSeen = ss.now()
		return s, nil
	}
	sctx, cancel := context.WithCancel(ss.ctx)
	s := &session{
		cart:     store,
		orders:   orders,
		checkout: checkout.NewPage(store, orders, ss.processor, checkout.WithPageLogger(log)),
		events:   make(chan storage.Event, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
		lastSeen: ss.now(),
	}
	ss.m[shopperID] = s
	go func() {
		defer close(s.done)
		store.Watch(sctx, s.events)
	}()
	return s, nil
}

// evictIdle drops sessions not used within the idle window and stops their
// watchers. It returns the number evicted.
func (ss *sessions) evictIdle() int {
	cutoff := ss.now().Add(-ss.idle)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	n := 0
	for id, s := range ss.m {
		if s.lastSeen.After(cutoff) || s.busy() {
			continue
		}
		delete(ss.m, id)
		s.cancel()
		n++
	}
	return n
}

func (ss *sessions) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.m)
}

// reap evicts idle sessions every half idle window until ctx is done.
func (ss *sessions) reap(ctx context.Context) error {
	ticker := time.NewTicker(ss.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := ss.evictIdle(); n > 0 {
				ss.logger.Debug("evicted idle sessions", zap.Int("count", n), zap.Int("live", ss.len()))
			}
		}
	}
}

// dispatch hands an event to the session owning its namespace, if it is live here.
func (ss *sessions) dispatch(ev storage.Event) {
	shopperID, key, ok := storage.SplitKey(ev.Key)
	if !ok {
		return
	}
	ss.mu.Lock()
	s, live := ss.m[shopperID]
	ss.mu.Unlock()
	if !live {
		return
	}

	ev.Key = key
	select {
	case s.events <- ev:
	default:
		ss.logger.Warn("dropping cart change for busy session", zap.String("shopper", shopperID))
	}
}

// pump routes every change in the store to live sessions until ctx is done.
func (ss *sessions) pump(ctx context.Context) error {
	events, err := ss.base.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to store changes: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			ss.dispatch(ev)
		}
	}
}
