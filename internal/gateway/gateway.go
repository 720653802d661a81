package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchcard-io/punchcard/internal/analytics"
	"github.com/punchcard-io/punchcard/internal/auth"
	"github.com/punchcard-io/punchcard/internal/identity"
	"github.com/punchcard-io/punchcard/internal/ledger"
	"github.com/punchcard-io/punchcard/internal/notifier"
	"github.com/punchcard-io/punchcard/internal/reward"
	"github.com/punchcard-io/punchcard/internal/settlement"
	"github.com/punchcard-io/punchcard/pkg/money"
)

// Gateway is the HTTP surface over the settlement coordinator.
type Gateway struct {
	router      *gin.Engine
	coordinator *settlement.Coordinator
	accounts    reward.Accounts
	analytics   *analytics.Recorder
	directory   identity.Directory
	tokens      *auth.Service
	ws          *notifier.WSHandler
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// RateLimiter is a per-client sliding window limiter.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Config holds gateway configuration.
type Config struct {
	Coordinator     *settlement.Coordinator
	Accounts        reward.Accounts
	Analytics       *analytics.Recorder
	Directory       identity.Directory
	Tokens          *auth.Service
	Hub             *notifier.Hub
	Logger          *slog.Logger
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// NewGateway builds the router with all routes registered.
func NewGateway(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:      gin.New(),
		coordinator: cfg.Coordinator,
		accounts:    cfg.Accounts,
		analytics:   cfg.Analytics,
		directory:   cfg.Directory,
		tokens:      cfg.Tokens,
		ws:          notifier.NewWSHandler(cfg.Hub, cfg.Logger),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		logger: cfg.Logger,
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(gin.Recovery())
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/token", g.issueToken)

		v1.POST("/payments", g.authMiddleware(), g.createPayment)
		v1.GET("/payments", g.authMiddleware(), g.listPayments)
		v1.GET("/payments/:id", g.authMiddleware(), g.getPayment)
		v1.POST("/payments/:id/settle", g.authMiddleware(), g.settlePayment)
		v1.POST("/payments/:id/retry-mint", g.authMiddleware(), g.retryMint)

		v1.GET("/rewards/balance", g.authMiddleware(), g.getBalance)
		v1.GET("/analytics", g.authMiddleware(), g.getAnalytics)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Handler exposes the router so the caller owns the http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.tokens.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("identity", claims.Identity)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (g *Gateway) issueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	party, err := g.directory.Resolve(c.Request.Context(), req.Identity)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownParty) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown identity"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "directory unavailable"})
		return
	}

	token, err := g.tokens.IssueToken(party.ID, party.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "role": party.Role})
}

func (g *Gateway) createPayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	// The merchant raises the request against the customer; the customer is
	// then prompted on their device and answers through the settle endpoint.
	payee := c.MustGet("identity").(string)

	p, err := g.coordinator.CreatePayment(c.Request.Context(), req.PayerID, payee, req.AmountMinor)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		case errors.Is(err, identity.ErrUnknownParty):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown party"})
		default:
			g.logger.Error("create payment failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create payment"})
		}
		return
	}

	c.JSON(http.StatusCreated, toPaymentView(p))
}

func (g *Gateway) getPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}

	p, err := g.coordinator.GetPayment(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		g.logger.Error("get payment failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payment"})
		return
	}

	caller := c.MustGet("identity").(string)
	if p.PayerID != caller && p.PayeeID != caller {
		// Do not reveal that the payment exists.
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	c.JSON(http.StatusOK, toPaymentView(p))
}

func (g *Gateway) listPayments(c *gin.Context) {
	caller := c.MustGet("identity").(string)
	limit := parseLimit(c.Query("limit"), 50)

	payments, err := g.coordinator.ListPayments(c.Request.Context(), caller, limit)
	if err != nil {
		g.logger.Error("list payments failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payments"})
		return
	}

	views := make([]*PaymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, toPaymentView(p))
	}
	c.JSON(http.StatusOK, gin.H{"payments": views})
}

func (g *Gateway) settlePayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}

	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	decision, err := settlement.ParseDecision(req.Decision)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be confirm or decline"})
		return
	}

	caller := c.MustGet("identity").(string)
	p, err := g.coordinator.GetPayment(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		g.logger.Error("settle lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to settle payment"})
		return
	}
	if p.PayerID != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the payer can settle"})
		return
	}

	settled, err := g.coordinator.Settle(c.Request.Context(), id, decision)
	if err != nil {
		g.logger.Error("settle failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to settle payment"})
		return
	}

	// A payment already settled returns its existing record. 200 either way.
	c.JSON(http.StatusOK, toPaymentView(settled))
}

func (g *Gateway) retryMint(c *gin.Context) {
	if c.MustGet("role").(string) != "admin" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}

	p, err := g.coordinator.RetryMint(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		case errors.Is(err, ledger.ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{"error": "payment is not confirmed"})
		default:
			g.logger.Error("retry mint failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retry mint"})
		}
		return
	}

	c.JSON(http.StatusOK, toPaymentView(p))
}

func (g *Gateway) getBalance(c *gin.Context) {
	caller := c.MustGet("identity").(string)

	acct, err := g.accounts.Get(c.Request.Context(), caller)
	if err != nil {
		if errors.Is(err, reward.ErrAccountNotFound) {
			// No rewards yet reads as a zero balance.
			c.JSON(http.StatusOK, gin.H{
				"identity":       caller,
				"balance_minor":  0,
				"balance":        money.Display(0),
				"lifetime_minor": 0,
			})
			return
		}
		g.logger.Error("balance lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity":       acct.Identity,
		"balance_minor":  acct.BalanceMinor,
		"balance":        money.Display(acct.BalanceMinor),
		"lifetime_minor": acct.LifetimeEarned,
	})
}

func (g *Gateway) getAnalytics(c *gin.Context) {
	caller := c.MustGet("identity").(string)

	granularity := c.DefaultQuery("granularity", analytics.GranularityDaily)
	limit := parseLimit(c.Query("limit"), 30)

	buckets, err := g.analytics.Query(c.Request.Context(), caller, granularity, limit)
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidGranularity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "granularity must be daily or monthly"})
			return
		}
		g.logger.Error("analytics query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analytics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"granularity": granularity, "buckets": buckets})
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// Serve blocks for the life of the connection; returning earlier would
	// cancel the request context and tear the session down.
	caller := c.MustGet("identity").(string)
	g.ws.Serve(c.Request.Context(), conn, caller)
}

// Allow reports whether the caller is within its window budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}

// Request/Response types

type TokenRequest struct {
	Identity string `json:"identity" binding:"required"`
}

type CreatePaymentRequest struct {
	PayerID     string `json:"payer_id" binding:"required"`
	AmountMinor int64  `json:"amount_minor" binding:"required"`
}

type SettleRequest struct {
	Decision string `json:"decision" binding:"required"`
}

type PaymentView struct {
	ID           string     `json:"id"`
	PayerID      string     `json:"payer_id"`
	PayeeID      string     `json:"payee_id"`
	AmountMinor  int64      `json:"amount_minor"`
	Amount       string     `json:"amount"`
	RewardMinor  int64      `json:"reward_minor"`
	Reward       string     `json:"reward"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	RewardMinted bool       `json:"reward_minted"`
	RewardTxRef  string     `json:"reward_tx_ref,omitempty"`
}

func toPaymentView(p *ledger.PaymentRequest) *PaymentView {
	return &PaymentView{
		ID:           p.ID.String(),
		PayerID:      p.PayerID,
		PayeeID:      p.PayeeID,
		AmountMinor:  p.AmountMinor,
		Amount:       money.Display(p.AmountMinor),
		RewardMinor:  p.RewardMinor,
		Reward:       money.Display(p.RewardMinor),
		Status:       string(p.Status),
		CreatedAt:    p.CreatedAt,
		ExpiresAt:    p.ExpiresAt,
		ConfirmedAt:  p.ConfirmedAt,
		RewardMinted: p.RewardMinted,
		RewardTxRef:  p.RewardTxRef,
	}
}
