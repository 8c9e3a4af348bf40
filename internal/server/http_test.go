package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/dotscope/dotscope/internal/cache"
	"github.com/dotscope/dotscope/internal/config"
	"github.com/dotscope/dotscope/internal/hub"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	s := &Server{
		cfg:   &config.Config{AllowedOrigins: []string{"*"}},
		cache: cache.New(zerolog.Nop()),
		hub:   hub.New(zerolog.Nop()),
		log:   zerolog.Nop(),
	}
	return s.router()
}

func TestRouterHealth(t *testing.T) {
	r := newTestRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRouterLiveChannelPaths(t *testing.T) {
	r := newTestRouter(t)

	// Both paths reach the upgrade handler. A plain GET fails the
	// handshake, but a routed path never 404s.
	for _, path := range []string{"/ws", "/blockchain"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotEqual(t, http.StatusNotFound, rec.Code, "path %s must be routed", path)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
