package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypool/proxypool/internal/connpool"
	"github.com/proxypool/proxypool/internal/dnsbl"
	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/internal/poolmgr"
)

func TestHealthzReturnsOK(t *testing.T) {
	pool := poolmgr.New(poolmgr.DefaultConfig())
	conns := connpool.New(connpool.DefaultConfig())
	h := New(pool, conns, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatsReportsPoolSizeAndConnPool(t *testing.T) {
	pool := poolmgr.New(poolmgr.DefaultConfig())
	pool.Admit(domain.Proxy{Host: "10.0.0.1", Port: 8080, VerifiedProtocols: []domain.Protocol{domain.ProtoHTTP}})
	conns := connpool.New(connpool.DefaultConfig())
	checker := dnsbl.NewChecker(dnsbl.DefaultConfig())

	h := New(pool, conns, nil, checker)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	h.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var s Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 1, s.PoolSize)
	assert.Equal(t, connpool.Stats{}, s.ConnPool)
}

func TestStatsRejectsNonGet(t *testing.T) {
	pool := poolmgr.New(poolmgr.DefaultConfig())
	conns := connpool.New(connpool.DefaultConfig())
	h := New(pool, conns, nil, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stats", nil)
	h.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
