// Package adminapi exposes the pool's only admin surface: a read-only
// status endpoint and a liveness probe. Per the documented redesign
// decision, this intentionally stays a stdlib net/http mux rather than a
// full router framework - there is exactly one admin surface, and it
// carries no request routing complexity that would justify one.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/proxypool/proxypool/internal/connpool"
	"github.com/proxypool/proxypool/internal/dnsbl"
	"github.com/proxypool/proxypool/internal/judge"
	"github.com/proxypool/proxypool/internal/poolmgr"
)

// Stats is the /stats response payload.
type Stats struct {
	PoolSize   int              `json:"pool_size"`
	ConnPool   connpool.Stats   `json:"conn_pool"`
	Judges     judge.Stats      `json:"judges"`
	DNSBL      dnsbl.Stats      `json:"dnsbl_lists"`
	DNSBLCache dnsbl.CacheStats `json:"dnsbl_cache"`
	UptimeSecs int64            `json:"uptime_secs"`
	IdleConns  map[string]int   `json:"idle_conns_by_upstream"`
}

// Handler serves /stats and /healthz from live references into the
// running pool; it never mutates any of them.
type Handler struct {
	pool      *poolmgr.Pool
	conns     *connpool.Pool
	judges    *judge.Manager
	dnsbl     *dnsbl.Checker
	startedAt time.Time
}

// New constructs a Handler. dnsblChecker may be nil if DNSBL screening is
// disabled.
func New(pool *poolmgr.Pool, conns *connpool.Pool, judges *judge.Manager, dnsblChecker *dnsbl.Checker) *Handler {
	return &Handler{pool: pool, conns: conns, judges: judges, dnsbl: dnsblChecker, startedAt: time.Now()}
}

// Mux builds the *http.ServeMux this Handler serves.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", h.serveStats)
	mux.HandleFunc("/healthz", h.serveHealthz)
	return mux
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s := Stats{
		PoolSize:   h.pool.Size(),
		ConnPool:   h.conns.Stats(),
		IdleConns:  h.conns.IdleCounts(),
		UptimeSecs: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.judges != nil {
		s.Judges = h.judges.Stats()
	}
	if h.dnsbl != nil {
		s.DNSBL = h.dnsbl.ListsStats()
		s.DNSBLCache = h.dnsbl.CacheStats()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (h *Handler) serveHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
