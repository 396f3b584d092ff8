package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/linker"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
)

// APIHandler serves the read-only views of the ledger plus the live event
// stream. All writes go through the CLI; serve mode never mutates state.
type APIHandler struct {
	db       *storage.DB
	sessions *storage.SessionStore
	txs      *storage.TransactionStore
	links    *storage.LinkStore
	mgr      *provider.Manager
	hub      *Hub
}

// SetupRouter builds the gin engine: CORS from ALLOWED_ORIGINS, bearer auth,
// per-IP rate limiting, and the event-bus bridge into the websocket hub.
func SetupRouter(db *storage.DB, sessions *storage.SessionStore, txs *storage.TransactionStore,
	links *storage.LinkStore, mgr *provider.Manager, hub *Hub, bus *events.Bus) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var, comma-separated;
	// empty or "*" allows everything (development)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{db: db, sessions: sessions, txs: txs, links: links, mgr: mgr, hub: hub}

	// pipeline events feed the websocket stream
	bus.Subscribe(hub.Broadcast)

	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", hub.Subscribe)

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.GET("/sessions", handler.handleSessions)
			protected.GET("/transactions", handler.handleTransactions)
			protected.GET("/links", handler.handleLinks)
			protected.GET("/links/gaps", handler.handleGaps)
			protected.GET("/prices/missing", handler.handleMissingPrices)
			protected.GET("/providers/:chain/health", handler.handleProviderHealth)
		}
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"dbConnected": h.db != nil,
	})
}

func (h *APIHandler) handleSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	sessions, err := h.sessions.List(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

func (h *APIHandler) handleTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	until, _ := strconv.ParseInt(c.Query("until"), 10, 64)
	txs, err := h.txs.List(c.Request.Context(), storage.TxFilter{
		SourceID: c.Query("source"),
		Category: c.Query("category"),
		SinceMS:  since,
		UntilMS:  until,
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": txs, "count": len(txs)})
}

func (h *APIHandler) handleLinks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	minConf, _ := strconv.ParseFloat(c.DefaultQuery("minConfidence", "0"), 64)
	maxConf, _ := strconv.ParseFloat(c.DefaultQuery("maxConfidence", "1"), 64)
	links, err := h.links.List(c.Request.Context(), storage.LinkFilter{
		Status:        c.Query("status"),
		MinConfidence: minConf,
		MaxConfidence: maxConf,
		Limit:         limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": links, "count": len(links)})
}

func (h *APIHandler) handleGaps(c *gin.Context) {
	report, err := linker.Gaps(c.Request.Context(), h.txs, h.links)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *APIHandler) handleMissingPrices(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	missing, err := storage.MissingPrices(c.Request.Context(), h.db, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": missing, "count": len(missing)})
}

func (h *APIHandler) handleProviderHealth(c *gin.Context) {
	if h.mgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider manager not initialized"})
		return
	}
	health, err := h.mgr.Health(c.Param("chain"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": health})
}
