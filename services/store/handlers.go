package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Handler holds the HTTP handlers of the store API.
type Handler struct {
	products *ProductUseCase
	sales    *SaleUseCase
	checkout *CheckoutUseCase
	expenses *ExpenseUseCase
	reports  *ReportUseCase
	auth     *AuthUseCase
	quotes   *QuoteService
	events   PaymentEventStore
	health   func(ctx context.Context) error
}

// Dependencies groups what NewHandler needs.
type Dependencies struct {
	Products *ProductUseCase
	Sales    *SaleUseCase
	Checkout *CheckoutUseCase
	Expenses *ExpenseUseCase
	Reports  *ReportUseCase
	Auth     *AuthUseCase
	Quotes   *QuoteService
	Events   PaymentEventStore
	Health   func(ctx context.Context) error
}

func NewHandler(deps Dependencies) *Handler {
	if deps.Events == nil {
		deps.Events = NoopPaymentEventStore{}
	}
	return &Handler{
		products: deps.Products,
		sales:    deps.Sales,
		checkout: deps.Checkout,
		expenses: deps.Expenses,
		reports:  deps.Reports,
		auth:     deps.Auth,
		quotes:   deps.Quotes,
		events:   deps.Events,
		health:   deps.Health,
	}
}

// NewRouter wires every route of the API.
func NewRouter(serviceName string, h *Handler, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	r.Use(RequestLogger())
	r.Use(Authenticate(h.auth))

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/products", h.ListProducts)
	api.GET("/products/:id", h.GetProduct)
	api.GET("/quotes", h.Quote)

	checkout := api.Group("/checkout", limiter.Handler())
	checkout.POST("/validate", h.ValidateCart)
	checkout.POST("", h.StartCheckout)

	api.GET("/orders/:id", RequireAuth(), h.GetOrder)
	api.POST("/webhooks/payments", h.PaymentWebhook)

	auth := api.Group("/auth")
	auth.POST("/register", limiter.Handler(), h.Register)
	auth.POST("/login", limiter.Handler(), h.Login)
	auth.POST("/google", limiter.Handler(), h.LoginWithGoogle)
	auth.GET("/me", RequireAuth(), h.Me)

	admin := api.Group("/admin", RequireAdmin())
	admin.POST("/products", h.CreateProduct)
	admin.PUT("/products/:id", h.UpdateProduct)
	admin.DELETE("/products/:id", h.DeleteProduct)
	admin.POST("/products/:id/stock", h.AdjustStock)

	admin.GET("/sales", h.ListSales)
	admin.GET("/sales/:id", h.GetSale)
	admin.POST("/sales", h.CreateSales)
	admin.POST("/sales/:id/archive", h.ArchiveSale)

	admin.GET("/expenses", h.ListExpenses)
	admin.POST("/expenses", h.CreateExpense)
	admin.GET("/expenses/:id", h.GetExpense)
	admin.PUT("/expenses/:id", h.UpdateExpense)
	admin.POST("/expenses/:id/archive", h.ArchiveExpense)

	admin.GET("/summary", h.Summary)
	admin.GET("/payment-events", h.ListPaymentEvents)

	return r
}

// HealthCheck is the health check endpoint
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) ListProducts(c *gin.Context) {
	filter := ProductFilter{
		Category: c.Query("category"),
		Size:     c.Query("size"),
		Status:   c.Query("status"),
		Query:    strings.TrimSpace(c.Query("q")),
	}

	var err error
	if filter.MinPrice, err = queryDecimal(c, "min_price"); err != nil {
		respondError(c, err)
		return
	}
	if filter.MaxPrice, err = queryDecimal(c, "max_price"); err != nil {
		respondError(c, err)
		return
	}
	if filter.Limit, filter.Offset, err = queryPage(c); err != nil {
		respondError(c, err)
		return
	}

	products, err := h.products.ListProducts(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) GetProduct(c *gin.Context) {
	product, err := h.products.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var in ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, err := h.products.CreateProduct(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) UpdateProduct(c *gin.Context) {
	var in ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, err := h.products.UpdateProduct(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	if err := h.products.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StockAdjustmentRequest is a restock (positive) or correction (negative).
type StockAdjustmentRequest struct {
	Delta int `json:"delta" binding:"required"`
}

func (h *Handler) AdjustStock(c *gin.Context) {
	var req StockAdjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, err := h.products.AdjustStock(c.Request.Context(), c.Param("id"), req.Delta)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// CartRequest is the body of the validation endpoint.
type CartRequest struct {
	Lines []CartLine `json:"lines" binding:"dive"`
}

// ValidateCart reports line by line whether the cart could be bought now.
func (h *Handler) ValidateCart(c *gin.Context) {
	var req CartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	validation, err := h.checkout.ValidateCart(c.Request.Context(), req.Lines)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, validation)
}

// StartCheckout reserves the cart and returns the payment link.
func (h *Handler) StartCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if claims := claimsFrom(c); claims != nil {
		req.CustomerID = claims.Subject
		if req.Email == "" {
			req.Email = claims.Email
		}
	}

	result, err := h.checkout.StartCheckout(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.checkout.GetOrder(c.Request.Context(), c.Param("id"), claimsFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type webhookBody struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// flexibleID accepts ids sent either as JSON strings or numbers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	*id = flexibleID(n.String())
	return nil
}

// PaymentWebhook receives provider notifications, either as query
// parameters (?type=payment&data.id=) or as a JSON body.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var payload map[string]any
	var body webhookBody
	if c.Request.ContentLength != 0 {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook body"})
				return
			}
			_ = json.Unmarshal(raw, &payload)
		}
	}

	n := PaymentNotification{
		Topic:     firstNonEmpty(c.Query("type"), c.Query("topic"), body.Type, body.Topic),
		PaymentID: firstNonEmpty(c.Query("data.id"), c.Query("id"), string(body.Data.ID)),
		Payload:   payload,
	}

	if err := h.checkout.ConfirmPayment(c.Request.Context(), n); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

func (h *Handler) Quote(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	quote, err := h.quotes.Quote(c.Request.Context(), amount, c.Query("currency"), c.Query("coin"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) LoginWithGoogle(c *gin.Context) {
	var req GoogleLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.LoginWithGoogle(c.Request.Context(), req.IDToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.auth.Me(c.Request.Context(), claimsFrom(c).Subject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) ListSales(c *gin.Context) {
	filter := SaleFilter{
		CustomerID:      c.Query("customer_id"),
		ProductID:       c.Query("product_id"),
		IncludeArchived: c.Query("include_archived") == "true",
	}

	var err error
	if filter.Limit, filter.Offset, err = queryPage(c); err != nil {
		respondError(c, err)
		return
	}

	sales, err := h.sales.ListSales(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

func (h *Handler) GetSale(c *gin.Context) {
	sale, err := h.sales.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

// CreateSales registers a point of sale transaction.
func (h *Handler) CreateSales(c *gin.Context) {
	var req CreateSalesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sales, err := h.sales.CreateSales(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sales": sales})
}

func (h *Handler) ArchiveSale(c *gin.Context) {
	sale, err := h.sales.ArchiveSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (h *Handler) ListExpenses(c *gin.Context) {
	filter := ExpenseFilter{
		Category:        c.Query("category"),
		IncludeArchived: c.Query("include_archived") == "true",
	}

	var err error
	if filter.From, err = parseDate(c.Query("from")); err != nil {
		respondError(c, err)
		return
	}
	if filter.To, err = parseEndDate(c.Query("to")); err != nil {
		respondError(c, err)
		return
	}
	if filter.Limit, filter.Offset, err = queryPage(c); err != nil {
		respondError(c, err)
		return
	}

	expenses, err := h.expenses.ListExpenses(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expenses": expenses})
}

func (h *Handler) CreateExpense(c *gin.Context) {
	var in ExpenseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expense, err := h.expenses.CreateExpense(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, expense)
}

func (h *Handler) GetExpense(c *gin.Context) {
	expense, err := h.expenses.GetExpense(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, expense)
}

func (h *Handler) UpdateExpense(c *gin.Context) {
	var in ExpenseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expense, err := h.expenses.UpdateExpense(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, expense)
}

func (h *Handler) ArchiveExpense(c *gin.Context) {
	if err := h.expenses.ArchiveExpense(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "archived"})
}

func (h *Handler) Summary(c *gin.Context) {
	from, err := parseDate(c.Query("from"))
	if err != nil {
		respondError(c, err)
		return
	}
	to, err := parseEndDate(c.Query("to"))
	if err != nil {
		respondError(c, err)
		return
	}

	summary, err := h.reports.Summary(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ListPaymentEvents(c *gin.Context) {
	limit, _, err := queryPage(c)
	if err != nil {
		respondError(c, err)
		return
	}

	events, err := h.events.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// respondError writes the error body for err. Unexpected errors are logged
// and hidden from the client.
func respondError(c *gin.Context, err error) {
	var rejected *CartRejectedError
	if errors.As(err, &rejected) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      err.Error(),
			"validation": rejected.Validation,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("❌ Internal error")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryDecimal(c *gin.Context, key string) (*decimal.Decimal, error) {
	value := c.Query(key)
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s", ErrInvalidInput, key)
	}
	return &d, nil
}

func queryPage(c *gin.Context) (limit, offset int, err error) {
	if value := c.Query("limit"); value != "" {
		if limit, err = strconv.Atoi(value); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit", ErrInvalidInput)
		}
	}
	if value := c.Query("offset"); value != "" {
		if offset, err = strconv.Atoi(value); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset", ErrInvalidInput)
		}
	}
	return limit, offset, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
