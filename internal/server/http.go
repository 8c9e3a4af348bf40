// Package server is the HTTP surface: the REST API, the live WebSocket
// endpoint and the Prometheus scrape target.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dotscope/dotscope/internal/cache"
	"github.com/dotscope/dotscope/internal/chain"
	"github.com/dotscope/dotscope/internal/config"
	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/hub"
	"github.com/dotscope/dotscope/internal/query"
	"github.com/dotscope/dotscope/internal/store"
)

// Server wires the query engine, cache, hub and pool onto HTTP routes.
type Server struct {
	cfg        *config.Config
	engine     *query.Engine
	store      *store.Store
	pool       *chain.Pool
	subscriber *chain.Subscriber
	cache      *cache.Cache
	hub        *hub.Hub
	log        zerolog.Logger

	http *http.Server
}

func New(cfg *config.Config, engine *query.Engine, st *store.Store, pool *chain.Pool, sub *chain.Subscriber, c *cache.Cache, h *hub.Hub, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     engine,
		store:      st,
		pool:       pool,
		subscriber: sub,
		cache:      c,
		hub:        h,
		log:        log.With().Str("component", "server").Logger(),
	}
	s.http = &http.Server{
		Addr:    cfg.Addr(),
		Handler: s.router(),
	}
	h.SetStatus(s.statusPayload)
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.cors())

	r.GET("/health", s.handleHealth)
	if s.cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	// The live channel answers on both the legacy /ws path and the
	// /blockchain namespace.
	r.GET("/ws", gin.WrapF(s.hub.HandleWS))
	r.GET("/blockchain", gin.WrapF(s.hub.HandleWS))

	api := r.Group("/api")
	{
		api.GET("/search/address", s.handleAddressSearch)
		api.GET("/block/:n", s.handleBlockByNumber)
		api.GET("/block/hash/:h", s.handleBlockByHash)
		api.GET("/blocks/latest", s.handleLatestBlock)
		api.GET("/blocks/latest/info", s.handleLatestBlockInfo)
		api.GET("/extrinsic/:h", s.handleExtrinsic)
		api.GET("/network/info", s.handleNetworkInfo)
		api.GET("/network/rpc-endpoint", s.handleGetEndpoint)
		api.POST("/network/rpc-endpoint", s.handleSetEndpoint)
		api.GET("/indexer/status", s.handleIndexerStatus)

		debug := api.Group("/debug/cache")
		debug.GET("/stats", s.handleCacheStats)
		debug.GET("/clear", s.handleCacheClear)
		debug.GET("/clear/address", s.handleCacheClearType(cache.TypeAddress))
		debug.GET("/clear/extrinsic", s.handleCacheClearType(cache.TypeExtrinsic))
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Request")
	}
}

func (s *Server) cors() gin.HandlerFunc {
	allowAll := len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*"
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// fail renders an error as {message} with its mapped status code.
func (s *Server) fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.JSON(status, gin.H{"message": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAddressSearch(c *gin.Context) {
	params := query.AddressSearchParams{
		Address:      c.Query("address"),
		BlocksToScan: s.cfg.MaxBlocksToScan,
		BatchSize:    s.cfg.DefaultBatchSize,
		Pallet:       c.Query("pallet"),
		Method:       c.Query("extrinsic"),
	}
	if raw := c.Query("blocksToScan"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, errs.BadRequest("blocksToScan must be an integer"))
			return
		}
		params.BlocksToScan = n
	}
	if raw := c.Query("batchSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, errs.BadRequest("batchSize must be an integer"))
			return
		}
		params.BatchSize = n
	}

	key := cache.Key(cache.TypeAddress, params.Address,
		strconv.Itoa(params.BlocksToScan), strconv.Itoa(params.BatchSize),
		params.Pallet, params.Method)
	result, err := s.cache.GetOrCompute(c.Request.Context(), cache.TypeAddress, key, cache.TTLAddress,
		func(ctx context.Context) (any, error) {
			return s.engine.AddressSearch(ctx, params)
		})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleBlockByNumber(c *gin.Context) {
	number, err := strconv.ParseUint(c.Param("n"), 10, 64)
	if err != nil {
		s.fail(c, errs.BadRequest("block number must be a non-negative integer"))
		return
	}
	key := cache.Key(cache.TypeBlock, strconv.FormatUint(number, 10))
	result, err := s.cache.GetOrCompute(c.Request.Context(), cache.TypeBlock, key, cache.TTLBlock,
		func(ctx context.Context) (any, error) {
			return s.engine.GetBlock(ctx, number)
		})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleBlockByHash(c *gin.Context) {
	hash := c.Param("h")
	key := cache.Key(cache.TypeBlock, "hash", hash)
	result, err := s.cache.GetOrCompute(c.Request.Context(), cache.TypeBlock, key, cache.TTLBlock,
		func(ctx context.Context) (any, error) {
			return s.engine.GetBlockByHash(ctx, hash)
		})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleLatestBlock(c *gin.Context) {
	rec, err := s.engine.GetLatestBlock(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"latestBlock": rec})
}

func (s *Server) handleLatestBlockInfo(c *gin.Context) {
	rec, err := s.engine.GetLatestBlock(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"number":          rec.Number,
		"hash":            rec.Hash,
		"timestamp":       rec.Timestamp,
		"extrinsicsCount": rec.ExtrinsicsCount,
		"eventsCount":     rec.EventsCount,
	})
}

func (s *Server) handleExtrinsic(c *gin.Context) {
	hash := c.Param("h")
	strategy := c.Query("strategy")
	maxBlocks := 0
	if raw := c.Query("maxBlocks"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, errs.BadRequest("maxBlocks must be an integer"))
			return
		}
		maxBlocks = n
	}

	key := cache.Key(cache.TypeExtrinsic, hash, strategy, strconv.Itoa(maxBlocks))
	result, err := s.cache.GetOrCompute(c.Request.Context(), cache.TypeExtrinsic, key, cache.TTLExtrinsic,
		func(ctx context.Context) (any, error) {
			return s.engine.ExtrinsicLookup(ctx, hash, strategy, maxBlocks)
		})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleNetworkInfo(c *gin.Context) {
	info, err := s.engine.EraInfo(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleGetEndpoint(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rpcEndpoint": s.pool.Endpoint()})
}

func (s *Server) handleSetEndpoint(c *gin.Context) {
	var body struct {
		RPCEndpoint string `json:"rpcEndpoint"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errs.BadRequest("body must be {rpcEndpoint}"))
		return
	}
	url := strings.TrimSpace(body.RPCEndpoint)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		s.fail(c, errs.BadRequest("rpcEndpoint must be a ws:// or wss:// URL"))
		return
	}
	if err := s.pool.ChangeEndpoint(c.Request.Context(), url); err != nil {
		s.fail(c, errs.Unavailable("endpoint change failed: %v", err))
		return
	}
	s.cache.ClearAll()
	c.JSON(http.StatusOK, gin.H{"rpcEndpoint": url})
}

func (s *Server) handleIndexerStatus(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriber": gin.H{"running": s.subscriber.Running()},
		"store":      stats,
		"system":     systemReadout(),
	})
}

// systemReadout is a best-effort host snapshot; failures leave fields out.
func systemReadout() gin.H {
	out := gin.H{}
	if v, err := mem.VirtualMemory(); err == nil {
		out["memoryUsedPercent"] = fmt.Sprintf("%.1f", v.UsedPercent)
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		out["cpuPercent"] = fmt.Sprintf("%.1f", pcts[0])
	}
	return out
}

func (s *Server) statusPayload() any {
	return map[string]any{
		"subscriberRunning": s.subscriber.Running(),
		"clients":           s.hub.ClientCount(),
		"rooms":             s.hub.RoomCount(),
		"rpcEndpoint":       s.pool.Endpoint(),
	}
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cleared": s.cache.ClearAll()})
}

func (s *Server) handleCacheClearType(typ string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if q := c.Query("query"); q != "" {
			c.JSON(http.StatusOK, gin.H{"cleared": s.cache.ClearByQuery(q)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": s.cache.ClearByType(typ)})
	}
}
