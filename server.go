package main

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shopflow/internal/cart"
	"shopflow/internal/catalog"
	"shopflow/internal/checkout"
	"shopflow/internal/storage"
)

// Server is the HTTP surface over the catalog, cart and checkout.
type Server struct {
	catalog  *catalog.Catalog
	sessions *sessions
	tokens   tokens
	logger   *zap.Logger
	origins  []string
}

// ServerConfig carries the server's dependencies.
type ServerConfig struct {
	Store          storage.Store
	Catalog        *catalog.Catalog
	Processor      checkout.Processor
	Secret         []byte
	AllowedOrigins []string
	SessionIdle    time.Duration
	Logger         *zap.Logger
}

// DefaultSessionIdle is how long a shopper's session stays loaded without requests.
const DefaultSessionIdle = 30 * time.Minute

// NewServer builds a server. ctx bounds the lifetime of the per-shopper watchers.
func NewServer(ctx context.Context, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := cfg.SessionIdle
	if idle <= 0 {
		idle = DefaultSessionIdle
	}
	return &Server{
		catalog:  cfg.Catalog,
		sessions: newSessions(ctx, cfg.Store, cfg.Catalog, cfg.Processor, logger, idle),
		tokens:   tokens{secret: cfg.Secret},
		logger:   logger,
		origins:  cfg.AllowedOrigins,
	}
}

// Run routes store change events to live sessions and evicts idle ones until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sessions.pump(gctx) })
	g.Go(func() error { return s.sessions.reap(gctx) })
	return g.Wait()
}

// Handler returns the gin engine with all routes registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger)
	if len(s.origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.origins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{tokenHeader},
			AllowCredentials: true,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	// Products
	r.GET("/api/products", s.listProducts)

	api := r.Group("/api", s.ShopperMiddleware)
	{
		// Cart
		api.GET("/cart", s.getCart)
		api.POST("/cart", s.addToCart)
		api.PUT("/cart/:productId", s.updateCart)
		api.DELETE("/cart/:productId", s.removeCartItem)
		api.POST("/cart/clear", s.clearCart)
		api.GET("/cart/events", s.cartEvents)

		// Checkout
		api.GET("/checkout", s.getCheckout)
		api.POST("/checkout/fields/:field", s.checkoutField)
		api.POST("/checkout", s.placeOrder)

		// Orders
		api.GET("/orders", s.getOrders)
	}
	return r
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)))
}

// session loads the caller's session. On failure it writes the error response and
// returns false.
func (s *Server) session(c *gin.Context) (*session, bool) {
	shopperID := c.GetString(shopperKey)
	sess, err := s.sessions.get(c.Request.Context(), shopperID)
	if err != nil {
		s.logger.Warn("failed to load shopper session", zap.String("shopper", shopperID), zap.Error(err))
		c.JSON(503, gin.H{"error": "cart is temporarily unavailable"})
		return nil, false
	}
	return sess, true
}

// ----- Products -----

func (s *Server) listProducts(c *gin.Context) {
	c.JSON(200, s.catalog.Cards())
}

// ----- Cart -----

func (s *Server) getCart(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	c.JSON(200, sess.cart.View())
}

func (s *Server) addToCart(c *gin.Context) {
	var req struct {
		ProductID int `json:"productId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid input"})
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}
	store := sess.cart
	if err := store.Add(c.Request.Context(), req.ProductID); err != nil {
		s.cartError(c, err)
		return
	}
	c.JSON(200, store.View())
}

func (s *Server) updateCart(c *gin.Context) {
	productID, err := strconv.Atoi(c.Param("productId"))
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid product id"})
		return
	}
	var req struct {
		Delta int `json:"delta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid input"})
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}
	store := sess.cart
	if err := store.UpdateQuantity(c.Request.Context(), productID, req.Delta); err != nil {
		s.cartError(c, err)
		return
	}
	c.JSON(200, store.View())
}

func (s *Server) removeCartItem(c *gin.Context) {
	productID, err := strconv.Atoi(c.Param("productId"))
	if err != nil {
		c.JSON(400, gin.H{"error": "invalid product id"})
		return
	}
	sess, ok := s.session(c)
	if !ok {
		return
	}
	store := sess.cart
	if err := store.Remove(c.Request.Context(), productID); err != nil {
		s.cartError(c, err)
		return
	}
	c.JSON(200, store.View())
}

func (s *Server) clearCart(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	store := sess.cart
	if err := store.Clear(c.Request.Context()); err != nil {
		s.cartError(c, err)
		return
	}
	c.JSON(200, store.View())
}

func (s *Server) cartError(c *gin.Context, err error) {
	if errors.Is(err, catalog.ErrProductNotFound) {
		c.JSON(404, gin.H{"error": "product not found"})
		return
	}
	s.logger.Warn("cart update failed", zap.String("shopper", c.GetString(shopperKey)), zap.Error(err))
	c.JSON(500, gin.H{"error": "cart could not be saved"})
}

// cartEvents streams the cart view whenever another context changes the cart.
func (s *Server) cartEvents(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	store := sess.cart
	sess.streams.Add(1)
	defer sess.streams.Add(-1)

	updates := make(chan cart.View, 4)
	unsubscribe := store.OnExternalChange(func(items []cart.Item) {
		select {
		case updates <- cart.Render(items):
		default:
		}
	})
	defer unsubscribe()

	c.SSEvent("cart", store.View())
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case v := <-updates:
			c.SSEvent("cart", v)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// ----- Checkout -----

func (s *Server) getCheckout(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	page := sess.checkout
	page.Reload()
	c.JSON(200, page.View())
}

func (s *Server) checkoutField(c *gin.Context) {
	field := c.Param("field")
	var req struct {
		Value string `json:"value"`
		Event string `json:"event"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid input"})
		return
	}

	if !checkout.IsRequired(field) {
		c.JSON(404, gin.H{"error": "unknown field"})
		return
	}
	if req.Event != "" && req.Event != "input" && req.Event != "blur" {
		c.JSON(400, gin.H{"error": "event must be input or blur"})
		return
	}

	sess, ok := s.session(c)
	if !ok {
		return
	}
	form := sess.checkout.Form()
	value := form.Input(field, req.Value)
	if req.Event == "blur" {
		_ = form.Blur(field)
	}
	c.JSON(200, gin.H{
		"field":   field,
		"value":   value,
		"state":   form.State(field).String(),
		"error":   form.Error(field),
		"errorId": checkout.ErrorElementID(field),
	})
}

func (s *Server) placeOrder(c *gin.Context) {
	var req struct {
		Fields map[string]string `json:"fields"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid input"})
		return
	}

	sess, ok := s.session(c)
	if !ok {
		return
	}
	page := sess.checkout
	pending, err := page.Submit(c.Request.Context(), req.Fields)
	switch {
	case errors.Is(err, checkout.ErrSubmissionInProgress):
		c.JSON(409, gin.H{"error": err.Error()})
		return
	case errors.Is(err, checkout.ErrEmptyCart):
		c.JSON(400, gin.H{"error": checkout.MsgEmptyCart})
		return
	case checkout.IsValidation(err):
		c.JSON(422, gin.H{"error": checkout.MsgFixErrors, "fields": checkout.FieldMessages(err)})
		return
	case err != nil:
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	order, err := pending.Wait(c.Request.Context())
	if err != nil {
		if c.Request.Context().Err() != nil {
			// the shopper went away; the order still completes in the background
			return
		}
		c.JSON(502, gin.H{"error": "order could not be processed"})
		return
	}
	c.JSON(201, gin.H{
		"order":        order,
		"confirmation": page.Confirmation(),
	})
}

// ----- Orders -----

func (s *Server) getOrders(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	orders, err := sess.orders.List(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if orders == nil {
		orders = []checkout.Order{}
	}
	c.JSON(200, orders)
}
