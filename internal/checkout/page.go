package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"shopflow/internal/cart"
	"shopflow/internal/catalog"
	"shopflow/internal/telemetry"
)

var (
	// ErrEmptyCart is returned when submitting with nothing in the cart.
	ErrEmptyCart = errors.New(MsgEmptyCart)
	// ErrSubmissionInProgress is returned while a previous submission is processing.
	ErrSubmissionInProgress = errors.New("order is already being processed")
)

// Labels of the submit control.
const (
	SubmitLabel     = "Place Order"
	ProcessingLabel = "Processing..."
)

// ContinueShoppingURL links back to the catalog.
const ContinueShoppingURL = "/"

// Page is one shopper's checkout page. It reads the cart store and clears it once an
// order has been recorded; it never touches the catalog.
type Page struct {
	cart      *cart.Store
	orders    *OrderLog
	processor Processor
	form      *Form
	now       func() time.Time
	logger    *zap.Logger

	mu           sync.Mutex
	emptyAtLoad  bool
	processing   bool
	formError    string
	confirmation *Confirmation
}

// PageOption configures a Page.
type PageOption func(*Page)

// WithClock sets the clock used for validation, order numbers and timestamps.
func WithClock(now func() time.Time) PageOption {
	return func(p *Page) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPageLogger sets the page's logger.
func WithPageLogger(l *zap.Logger) PageOption {
	return func(p *Page) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPage loads the checkout page for the cart's current contents.
func NewPage(store *cart.Store, orders *OrderLog, processor Processor, opts ...PageOption) *Page {
	p := &Page{
		cart:      store,
		orders:    orders,
		processor: processor,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.form = NewForm(func() time.Time { return p.now() })
	p.emptyAtLoad = store.Len() == 0
	return p
}

// Form exposes the field state machine for input and blur events.
func (p *Page) Form() *Form { return p.form }

// Reload re-evaluates the page as a fresh page load. It does nothing while an order
// is processing.
func (p *Page) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processing {
		return
	}
	p.emptyAtLoad = p.cart.Len() == 0
	p.formError = ""
	p.confirmation = nil
	p.form.Reset()
}

// Empty reports whether the cart was empty when the page loaded, in which case the
// form is not shown.
func (p *Page) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emptyAtLoad
}

// Processing reports whether a submission is in flight.
func (p *Page) Processing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// Confirmation returns the last completed order's confirmation, if any.
func (p *Page) Confirmation() *Confirmation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirmation
}

// Submit validates every required field and, when the form and cart are both in
// order, starts processing. The returned Pending resolves with the recorded order.
// A started submission keeps running even if ctx is cancelled. A page that loaded
// with an empty cart has no form and returns ErrEmptyCart until it is reloaded.
func (p *Page) Submit(ctx context.Context, values map[string]string) (*Pending[Order], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.processing {
		return nil, ErrSubmissionInProgress
	}
	if p.emptyAtLoad {
		p.formError = MsgEmptyCart
		return nil, ErrEmptyCart
	}

	for field, v := range values {
		p.form.Input(field, v)
	}
	failed := p.form.ValidateAll()

	if p.cart.Len() == 0 {
		p.formError = MsgEmptyCart
		return nil, ErrEmptyCart
	}
	if len(failed) > 0 {
		p.formError = MsgFixErrors
		return nil, &ValidationError{Fields: failed}
	}
	p.formError = ""
	p.processing = true

	bg := context.WithoutCancel(ctx)
	items := p.cart.Items()
	req := Request{
		Customer: p.form.Values(),
		Items:    items,
		Totals:   ComputeTotals(cart.Total(items)),
	}

	ctx, span := telemetry.Tracer().Start(bg, "checkout.submit")
	span.SetAttributes(attribute.Int("cart.lines", len(items)))

	result := newPending[Order]()
	submitted := p.processor.Process(ctx, req)
	go func() {
		defer span.End()
		order, err := p.finish(ctx, submitted, req.Customer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		result.resolve(order, err)
	}()
	return result, nil
}

func (p *Page) finish(ctx context.Context, submitted *Pending[Receipt], customer map[string]string) (Order, error) {
	defer func() {
		p.mu.Lock()
		p.processing = false
		p.mu.Unlock()
	}()

	if _, err := submitted.Wait(ctx); err != nil {
		p.logger.Warn("order processing failed", zap.Error(err))
		return Order{}, fmt.Errorf("process order: %w", err)
	}
	return p.complete(ctx, customer)
}

// complete records the order from the cart as it is now, then clears the cart.
func (p *Page) complete(ctx context.Context, customer map[string]string) (Order, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "checkout.complete")
	defer span.End()

	now := p.now()
	items := p.cart.Items()
	totals := ComputeTotals(cart.Total(items))
	order := Order{
		Customer:    customer,
		Items:       items,
		Total:       totals.Total,
		OrderNumber: NewOrderNumber(now),
		Timestamp:   FormatTimestamp(now),
	}

	if err := p.orders.Append(ctx, order); err != nil {
		p.logger.Warn("failed to record order", zap.String("order", order.OrderNumber), zap.Error(err))
		return Order{}, err
	}
	if err := p.cart.Clear(ctx); err != nil {
		p.logger.Warn("order recorded but cart not cleared", zap.String("order", order.OrderNumber), zap.Error(err))
	}

	telemetry.RecordOrderPlaced(ctx)
	span.SetAttributes(attribute.String("order.number", order.OrderNumber))
	p.logger.Info("order placed",
		zap.String("order", order.OrderNumber),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("lines", len(order.Items)))

	p.mu.Lock()
	p.confirmation = &Confirmation{
		OrderNumber: order.OrderNumber,
		Title:       "Order Confirmed!",
		Message:     "Thank you for your order",
		ContinueURL: ContinueShoppingURL,
	}
	p.mu.Unlock()
	return order, nil
}

// Confirmation replaces the page content after a successful order.
type Confirmation struct {
	OrderNumber string `json:"orderNumber"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	ContinueURL string `json:"continueUrl"`
}

// EmptyCartView is shown instead of the form when the cart was empty at load.
type EmptyCartView struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	ContinueURL string `json:"continueUrl"`
}

// SummaryLine is one "<title> × <qty>" entry of the order summary.
type SummaryLine struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

// Summary is the order summary sidebar.
type Summary struct {
	Lines        []SummaryLine `json:"lines"`
	EmptyMessage string        `json:"emptyMessage,omitempty"`
	Totals       Totals        `json:"totals"`
	FreeShipping bool          `json:"freeShipping"`

	SubtotalLabel string `json:"subtotalLabel"`
	ShippingLabel string `json:"shippingLabel"`
	TaxLabel      string `json:"taxLabel"`
	TotalLabel    string `json:"totalLabel"`
}

// View is the checkout page's display model. Exactly one of EmptyCart,
// Confirmation or the form (Summary, Errors) applies.
type View struct {
	EmptyCart    *EmptyCartView    `json:"emptyCart,omitempty"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Summary      *Summary          `json:"summary,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	FormError    string            `json:"formError,omitempty"`
	Processing   bool              `json:"processing"`
	SubmitLabel  string            `json:"submitLabel,omitempty"`
}

// Summarize builds the order summary for items.
func Summarize(items []cart.Item) Summary {
	totals := ComputeTotals(cart.Total(items))
	s := Summary{
		Lines:         make([]SummaryLine, 0, len(items)),
		Totals:        totals,
		FreeShipping:  totals.FreeShipping(),
		SubtotalLabel: catalog.FormatCurrency(totals.Subtotal),
		ShippingLabel: totals.ShippingLabel(),
		TaxLabel:      catalog.FormatCurrency(totals.Tax),
		TotalLabel:    catalog.FormatCurrency(totals.Total),
	}
	if len(items) == 0 {
		s.EmptyMessage = "No items in cart"
	}
	for _, it := range items {
		s.Lines = append(s.Lines, SummaryLine{
			Name:   fmt.Sprintf("%s × %d", it.Title, it.Quantity),
			Amount: catalog.FormatCurrency(it.LineTotal()),
		})
	}
	return s
}

// View renders the page.
func (p *Page) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.confirmation != nil {
		return View{Confirmation: p.confirmation}
	}
	if p.emptyAtLoad {
		return View{EmptyCart: &EmptyCartView{
			Title:       MsgEmptyCart,
			Message:     "Add some products to proceed with checkout",
			ContinueURL: ContinueShoppingURL,
		}}
	}

	summary := Summarize(p.cart.Items())
	v := View{
		Summary:     &summary,
		Errors:      p.form.Errors(),
		FormError:   p.formError,
		Processing:  p.processing,
		SubmitLabel: SubmitLabel,
	}
	if p.processing {
		v.SubmitLabel = ProcessingLabel
	}
	return v
}
