// Package gateway terminates HTTP, dispatches the directory endpoints, and
// upgrades connect requests to a Relay Session, per spec §4.5. Grounded on
// the teacher's GameServer: http.HandleFunc routing, a websocket.Upgrader
// gated by a CheckOrigin hook, and one handler per endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openttd/wsrelay/internal/coordinator"
	"github.com/openttd/wsrelay/internal/obslog"
	"github.com/openttd/wsrelay/internal/policy"
	"github.com/openttd/wsrelay/internal/relay"
)

// Cache is the narrow surface of listingcache.Cache the gateway needs.
type Cache interface {
	Get(ctx context.Context) ([]coordinator.ServerRecord, error)
	ForceRefresh(ctx context.Context) ([]coordinator.ServerRecord, error)
}

// Resolver is the narrow surface of coordinator.Client the gateway needs.
type Resolver interface {
	ResolveInvite(ctx context.Context, code string) (coordinator.InviteResult, error)
}

// Metrics is the counter surface the gateway reports per-route request
// counts to, per SPEC_FULL §13. It embeds relay.Metrics so the same value
// can be handed straight through to relay.NewSession for session counting.
type Metrics interface {
	relay.Metrics
	RequestRoute(route string)
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()      {}
func (noopMetrics) SessionClosed()      {}
func (noopMetrics) RequestRoute(string) {}

// Gateway owns routing, admission policy, and session bookkeeping.
type Gateway struct {
	cache    Cache
	resolver Resolver
	policy   *policy.Policy
	log      zerolog.Logger
	metrics  Metrics

	upgrader websocket.Upgrader
}

// New returns a Gateway ready to be handed to an http.Server. metrics may be
// nil, in which case route and session counts are simply not recorded.
func New(cache Cache, resolver Resolver, pol *policy.Policy, log zerolog.Logger, metrics Metrics) *Gateway {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Gateway{
		cache:    cache,
		resolver: resolver,
		policy:   pol,
		log:      log,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP dispatches every request the process receives on its one
// listening port, per spec §4.5.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.applyCORS(w)

	if r.Method == http.MethodOptions {
		g.metrics.RequestRoute("options")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == "/servers":
		g.metrics.RequestRoute("servers")
		g.handleServers(w, r)
	case strings.HasPrefix(r.URL.Path, "/resolve/"):
		g.metrics.RequestRoute("resolve")
		g.handleResolve(w, r)
	case r.URL.Path == "/health":
		g.metrics.RequestRoute("health")
		g.handleHealth(w, r)
	case strings.HasPrefix(r.URL.Path, "/connect/"):
		g.metrics.RequestRoute("connect")
		g.handleConnect(w, r)
	default:
		g.metrics.RequestRoute("not_found")
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (g *Gateway) applyCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

// handleServers implements GET /servers, per spec §6. A `?fresh=1` query
// parameter forces a cache refresh, bypassing TTL freshness (SPEC_FULL §13).
func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	log := obslog.For(g.log, obslog.CategoryHTTP)

	var (
		servers []coordinator.ServerRecord
		err     error
	)
	if r.URL.Query().Get("fresh") == "1" {
		servers, err = g.cache.ForceRefresh(r.Context())
	} else {
		servers, err = g.cache.Get(r.Context())
	}
	if err != nil {
		if servers == nil {
			log.Error().Err(err).Msg("servers: refresh failed with no cached value")
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Info().Err(err).Msg("servers: refresh failed, serving previous cached value")
	}

	out := make([]serverRecordJSON, len(servers))
	for i, s := range servers {
		out[i] = toServerRecordJSON(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleResolve implements GET /resolve/<code>, per spec §6.
func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	log := obslog.For(g.log, obslog.CategoryHTTP)

	code := strings.TrimPrefix(r.URL.Path, "/resolve/")
	code, unescapeErr := url.PathUnescape(code)
	if unescapeErr != nil || code == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing invite code")
		return
	}

	result, err := g.resolver.ResolveInvite(r.Context(), code)
	if err != nil {
		log.Info().Err(err).Str("code", code).Msg("resolve: failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toResolveJSON(result))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConnect implements the WebSocket upgrade path of spec §4.5:
// GET /connect/<host>/<port>, admission-checked against policy before any
// outbound socket is opened.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	log := obslog.For(g.log, obslog.CategoryWS)

	host, port, reason := g.parseAndAuthorize(r.URL.Path)
	if reason != "" {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Msg("connect: upgrade failed ahead of policy rejection")
			return
		}
		log.Info().Str("path", r.URL.Path).Str("reason", reason).Msg("connect: rejected by policy")
		relay.RejectPolicy(ws, reason)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("connect: upgrade failed")
		return
	}

	addr := host + ":" + strconv.FormatUint(uint64(port), 10)
	cfg := relay.Config{
		ConnectTimeout:   g.policy.ConnectTimeout,
		MaxWsBufferBytes: g.policy.MaxWsBufferBytes,
	}
	log.Info().Str("addr", addr).Msg("connect: admitted, opening relay session")
	session := relay.NewSession(ws, addr, cfg, obslog.For(g.log, obslog.CategoryProxy), g.metrics)
	session.Run(r.Context())
}

// parseAndAuthorize applies spec §4.5's admission checks: empty reason
// means admitted.
func (g *Gateway) parseAndAuthorize(path string) (host string, port uint16, reason string) {
	rest := strings.TrimPrefix(path, "/connect/")
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return "", 0, "Malformed connect URL"
	}
	host, portStr := rest[:idx], rest[idx+1:]
	if host == "" {
		return "", 0, "Missing host"
	}

	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, "Invalid port"
	}
	port = uint16(p)

	if !g.policy.AllowPort(port) {
		return "", 0, "Port not allowed"
	}
	if !g.policy.AllowHost(host) {
		return "", 0, "Host not allowed"
	}
	return host, port, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
