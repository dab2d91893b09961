// Package httpapi is the service's external HTTP surface: price snapshots,
// historical series, the symbol-to-CMC-id mapping, logo proxying, and a
// liveness probe. It is built directly on net/http — no router library is
// wired here (see DESIGN.md for the stdlib justification).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cryptopulse/internal/cache"
	"cryptopulse/internal/model"
	"cryptopulse/internal/upstream"
	"cryptopulse/pkg/broadcaster"
)

// Server hosts the HTTP API.
type Server struct {
	snapshots *cache.SnapshotCache
	historic  *cache.HistoricalCache
	logos     *cache.LogoCache
	fetcher   *upstream.Fetcher
	broadcast *broadcaster.Broadcaster
	logger    *zap.Logger

	httpServer *http.Server
}

// New constructs the HTTP API server.
func New(snapshots *cache.SnapshotCache, historic *cache.HistoricalCache, logos *cache.LogoCache, fetcher *upstream.Fetcher, broadcast *broadcaster.Broadcaster, logger *zap.Logger) *Server {
	return &Server{
		snapshots: snapshots,
		historic:  historic,
		logos:     logos,
		fetcher:   fetcher,
		broadcast: broadcast,
		logger:    logger.Named("httpapi"),
	}
}

// Start binds and serves on addr in the background.
func (s *Server) Start(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/crypto-prices", s.handlePrices)
	mux.HandleFunc("/api/historical/", s.handleHistorical)
	mux.HandleFunc("/api/cmc-mapping", s.handleMapping)
	mux.HandleFunc("/api/logo/", s.handleLogo)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("http api starting", zap.String("addr", addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http api server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// snapshotStaleAfter is how old a snapshot must be before handlePrices
// reports it as cached rather than fresh.
const snapshotStaleAfter = 30 * time.Second

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	snapshot, lastFetch, ok := s.snapshots.Get()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   "no snapshot available yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"data":         snapshot,
		"last_updated": lastFetch.UTC().Format(time.RFC3339),
		"cached":       time.Since(lastFetch) > snapshotStaleAfter,
	})
}

func (s *Server) handleHistorical(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/api/historical/")
	if symbol == "" {
		http.NotFound(w, r)
		return
	}
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}

	key := strings.ToUpper(symbol) + ":" + timeframe
	if series, ok := s.historic.Get(key); ok {
		writeJSON(w, http.StatusOK, series)
		return
	}

	series, err := s.fetcher.FetchHistory(r.Context(), symbol, timeframe)
	if err != nil {
		level := zap.WarnLevel
		if upErr, ok := err.(*upstream.Error); ok && (upErr.Kind == upstream.KindAuthFailed || upErr.Kind == upstream.KindParseError) {
			level = zap.ErrorLevel
		}
		s.logger.Log(level, "historical fetch failed", zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Error(err))
		writeJSON(w, http.StatusOK, model.ErrorSeries(strings.ToUpper(symbol), timeframe, "upstream fetch failed"))
		return
	}
	s.historic.Set(key, series)
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	snapshot, _, ok := s.snapshots.Get()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]int64{}})
		return
	}
	mapping := make(map[string]int64, len(snapshot))
	for _, inst := range snapshot {
		mapping[inst.Symbol] = inst.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": mapping})
}

// logoCacheControl is the caching hint sent with every logo response,
// matching the 24h freshness window the logo cache itself enforces.
const logoCacheControl = "public, max-age=86400"

func (s *Server) handleLogo(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/api/logo/"))
	if symbol == "" {
		http.NotFound(w, r)
		return
	}

	if data, ok := s.logos.Get(symbol); ok {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", logoCacheControl)
		w.Write(data)
		return
	}

	snapshot, _, ok := s.snapshots.Get()
	if !ok {
		http.NotFound(w, r)
		return
	}
	var id int64
	var found bool
	for _, inst := range snapshot {
		if inst.Symbol == symbol {
			id, found = inst.ID, true
			break
		}
	}
	if !found {
		s.logger.Warn("no listing id found for logo request", zap.String("symbol", symbol))
		http.NotFound(w, r)
		return
	}

	data, err := s.fetcher.FetchLogo(r.Context(), id)
	if err != nil {
		s.logger.Warn("logo fetch failed", zap.String("symbol", symbol), zap.Error(err))
		http.NotFound(w, r)
		return
	}
	s.logos.Set(symbol, data)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", logoCacheControl)
	w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, _, ok := s.snapshots.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"service":           "cryptopulse",
		"has_snapshot":      ok,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.broadcast.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
