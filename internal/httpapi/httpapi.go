package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/strandproxy/strand/internal/eventbus"
	"github.com/strandproxy/strand/internal/routing"
	"github.com/strandproxy/strand/internal/store/sqlite"
	"github.com/strandproxy/strand/internal/topology"
)

// Options carries the collaborators of the admin API.
type Options struct {
	Logger  *slog.Logger
	Store   *sqlite.Store
	Table   *routing.Table
	Builder *routing.Builder
	Bus     eventbus.Bus
	APIKey  string
}

// New constructs the admin HTTP API router.
func New(opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(opts.Logger))

	if opts.APIKey != "" {
		r.Use(apiKeyMiddleware(opts.APIKey))
	}

	api := &apiServer{
		logger:  opts.Logger,
		store:   opts.Store,
		table:   opts.Table,
		builder: opts.Builder,
		bus:     opts.Bus,
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		topologies := v1.Group("/topologies")
		{
			topologies.GET("", api.listTopologies)
			topologies.POST("", api.applyTopology)
			topologies.GET(":name", api.getTopology)
			topologies.DELETE(":name", api.deleteTopology)
		}

		v1.GET("/routes", api.listRoutes)
	}

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Strand-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type apiServer struct {
	logger  *slog.Logger
	store   *sqlite.Store
	table   *routing.Table
	builder *routing.Builder
	bus     eventbus.Bus
}

// routeResponse summarises one published routing entry.
type routeResponse struct {
	Topology string `json:"topology"`
	Version  uint64 `json:"version"`
	Rules    int    `json:"rules"`
}

func (api *apiServer) listTopologies(c *gin.Context) {
	all, err := api.store.Topologies().List(c.Request.Context())
	if err != nil {
		api.logger.Error("list topologies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list topologies"})
		return
	}
	if all == nil {
		all = []topology.Topology{}
	}
	c.JSON(http.StatusOK, all)
}

func (api *apiServer) getTopology(c *gin.Context) {
	name := c.Param("name")
	t, err := api.store.Topologies().GetByName(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, topology.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "topology not found"})
			return
		}
		api.logger.Error("fetch topology", "topology", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch topology"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// applyTopology validates the submitted declaration with a dry-run build
// before persisting, so malformed topologies never reach the store or the
// routing table.
func (api *apiServer) applyTopology(c *gin.Context) {
	var t topology.Topology
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := api.builder.Build(t); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	eventType := topology.EventAdded
	if _, err := api.store.Topologies().GetByName(ctx, t.Name); err == nil {
		eventType = topology.EventUpdated
	} else if !errors.Is(err, topology.ErrNotFound) {
		api.logger.Error("check topology", "topology", t.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check topology"})
		return
	}

	if err := api.store.Topologies().Upsert(ctx, t); err != nil {
		api.logger.Error("persist topology", "topology", t.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist topology"})
		return
	}

	if err := api.bus.Publish(ctx, topology.TopicChanges, topology.ChangeEvent{Type: eventType, Topology: t}); err != nil {
		api.logger.Error("publish topology change", "topology", t.Name, "error", err)
	}

	status := http.StatusCreated
	if eventType == topology.EventUpdated {
		status = http.StatusOK
	}
	c.JSON(status, t)
}

func (api *apiServer) deleteTopology(c *gin.Context) {
	name := c.Param("name")
	ctx := c.Request.Context()

	if err := api.store.Topologies().Delete(ctx, name); err != nil {
		if errors.Is(err, topology.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "topology not found"})
			return
		}
		api.logger.Error("delete topology", "topology", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete topology"})
		return
	}

	if err := api.bus.Publish(ctx, topology.TopicChanges, topology.ChangeEvent{
		Type:     topology.EventDeleted,
		Topology: topology.Topology{Name: name},
	}); err != nil {
		api.logger.Error("publish topology change", "topology", name, "error", err)
	}

	c.Status(http.StatusNoContent)
}

func (api *apiServer) listRoutes(c *gin.Context) {
	entries := api.table.Entries()
	resp := make([]routeResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, routeResponse{
			Topology: entry.Topology,
			Version:  entry.Version,
			Rules:    entry.Rules.Len(),
		})
	}
	c.JSON(http.StatusOK, resp)
}
