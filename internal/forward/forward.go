// Package forward implements the Forwarding Server: it accepts client
// TCP connections, classifies HTTP vs. CONNECT, and dispatches each
// request through an upstream proxy selected from the pool.
package forward

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/proxypool/proxypool/internal/connpool"
	"github.com/proxypool/proxypool/internal/domain"
	"github.com/proxypool/proxypool/internal/poolmgr"
)

// Config holds the forwarding server's listen and selection tunables.
// The pool eligibility ceiling (max average response time) lives on
// poolmgr.Config instead: Select is where it's actually enforced.
type Config struct {
	Host               string
	Port               int
	UpstreamTimeout    time.Duration
	ConnectRespTimeout time.Duration
}

// DefaultConfig returns the documented forwarding-server defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8888,
		UpstreamTimeout:    10 * time.Second,
		ConnectRespTimeout: 10 * time.Second,
	}
}

// Server dispatches accepted client connections to pooled upstream
// proxies chosen from a poolmgr.Pool.
type Server struct {
	cfg   Config
	pool  *poolmgr.Pool
	conns *connpool.Pool

	listener net.Listener
}

// New constructs a Server. pool supplies upstream selection; conns
// supplies connection reuse to whichever upstream is selected.
func New(cfg Config, pool *poolmgr.Pool, conns *connpool.Pool) *Server {
	return &Server{cfg: cfg, pool: pool, conns: conns}
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled or a fatal listener error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %s", domain.ErrNetwork, addr, err)
	}
	s.listener = ln
	log.Info("forward: listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Error("forward: accept failed: %v", err)
			return fmt.Errorf("%w: accepting: %s", domain.ErrNetwork, err)
		}
		go s.handleClient(ctx, conn)
	}
}

// handleClient serves exactly one client connection end to end; its
// lifetime ends with the client socket, holding no unbounded queues.
func (s *Server) handleClient(ctx context.Context, client net.Conn) {
	defer client.Close()

	reader := bufio.NewReader(client)
	req, err := http.ReadRequest(reader)
	if err != nil {
		if err != io.EOF {
			log.Debug("forward: reading client request: %v", err)
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(ctx, client, req)
		return
	}
	s.handleHTTP(ctx, client, req)
}

// handleHTTP proxies one plain-HTTP request through a selected upstream
// and streams the response back to the client.
func (s *Server) handleHTTP(ctx context.Context, client net.Conn, req *http.Request) {
	ref, ok := s.pool.Select(domain.ProtoHTTP)
	if !ok {
		writeStatus(client, http.StatusBadGateway, "no upstream available")
		return
	}
	proxy, ok := s.pool.Get(ref)
	if !ok {
		writeStatus(client, http.StatusBadGateway, "upstream vanished")
		return
	}

	start := time.Now()
	upstream, useCount, createdAt, err := s.conns.Acquire(ctx, proxy.Addr())
	if err != nil {
		s.pool.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
		writeStatus(client, http.StatusBadGateway, "upstream connect failed")
		return
	}

	makeAbsoluteURI(req)

	_ = upstream.SetDeadline(time.Now().Add(s.cfg.UpstreamTimeout))
	if err := req.Write(upstream); err != nil {
		s.pool.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
		_ = upstream.Close()
		writeStatus(client, http.StatusBadGateway, "writing upstream request failed")
		return
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		s.pool.RecordOutcome(ref, domain.ProtoHTTP, false, 0)
		_ = upstream.Close()
		writeStatus(client, http.StatusBadGateway, "reading upstream response failed")
		return
	}
	defer resp.Body.Close()

	ok = resp.StatusCode < 500
	s.pool.RecordOutcome(ref, domain.ProtoHTTP, ok, time.Since(start))

	if err := resp.Write(client); err != nil {
		log.Debug("forward: writing client response: %v", err)
		_ = upstream.Close()
		return
	}

	if resp.Close {
		_ = upstream.Close()
		return
	}
	s.conns.Release(proxy.Addr(), upstream, useCount, createdAt)
}

// handleConnect tunnels a CONNECT request through a selected upstream.
// CONNECT streams are never returned to the pool: their lifetime is
// owned entirely by the tunnel.
func (s *Server) handleConnect(ctx context.Context, client net.Conn, req *http.Request) {
	ref, ok := s.pool.Select(domain.ProtoHTTPS)
	if !ok {
		writeStatus(client, http.StatusBadGateway, "no upstream available")
		return
	}
	proxy, ok := s.pool.Get(ref)
	if !ok {
		writeStatus(client, http.StatusBadGateway, "upstream vanished")
		return
	}

	start := time.Now()
	upstream, _, _, err := s.conns.Acquire(ctx, proxy.Addr())
	if err != nil {
		s.pool.RecordOutcome(ref, domain.ProtoHTTPS, false, 0)
		writeStatus(client, http.StatusBadGateway, "upstream connect failed")
		return
	}
	defer upstream.Close()

	connectLine := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", req.Host, req.Host)
	_ = upstream.SetDeadline(time.Now().Add(s.cfg.ConnectRespTimeout))
	if _, err := upstream.Write([]byte(connectLine)); err != nil {
		s.pool.RecordOutcome(ref, domain.ProtoHTTPS, false, 0)
		writeStatus(client, http.StatusBadGateway, "upstream CONNECT failed")
		return
	}

	upstreamReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamReader, req)
	if err != nil || resp.StatusCode != http.StatusOK {
		s.pool.RecordOutcome(ref, domain.ProtoHTTPS, false, time.Since(start))
		writeStatus(client, http.StatusBadGateway, "upstream refused CONNECT")
		return
	}
	s.pool.RecordOutcome(ref, domain.ProtoHTTPS, true, time.Since(start))

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	_ = upstream.SetDeadline(time.Time{})
	shuttle(client, upstream)
}

// shuttle copies bytes bidirectionally until either side closes.
func shuttle(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
}

func makeAbsoluteURI(req *http.Request) {
	if req.URL.IsAbs() {
		return
	}
	req.URL.Scheme = "http"
	req.URL.Host = req.Host
}

func writeStatus(conn net.Conn, code int, reason string) {
	body := strings.NewReader(reason)
	resp := &http.Response{
		StatusCode:    code,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(body),
		ContentLength: int64(len(reason)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
	}
	_ = resp.Write(conn)
}
