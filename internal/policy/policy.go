// Package policy holds the immutable admission rules the gateway enforces
// before it ever opens an outbound socket: allow-listed destination ports,
// an optional host allow-list, cache TTL, connect timeout, and the
// WebSocket buffering bound. Grounded on the teacher's
// config.ServerConfig/DefaultServerConfig pair.
package policy

import "time"

// Default tuning values, per spec §3/§6.
const (
	DefaultCacheTTL         = 60 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultMaxWsBufferBytes = 64 * 1024
	DefaultListenPort       = 8080
)

// DefaultAllowedPorts is the ecosystem's canonical infrastructure and game
// port set: coordinator, content service, STUN, and the common dedicated
// and admin ports of the game itself.
var DefaultAllowedPorts = []uint16{
	3979,  // game (default)
	3978,  // game (alternate/dedicated)
	3977,  // admin port
	3976,  // game coordinator
	3975,  // content service
	3974,  // STUN
}

// Policy is immutable after start-up; every field is read-only for the
// lifetime of the process.
type Policy struct {
	AllowedPorts    map[uint16]struct{}
	AllowedHosts    map[string]struct{} // empty means allow any host
	TTL             time.Duration
	ConnectTimeout  time.Duration
	MaxWsBufferBytes uint32
	LogLevel        string
}

// Default returns the policy described in spec §6/§9: every canonical
// infrastructure/game port allowed, no host restriction.
func Default() *Policy {
	ports := make(map[uint16]struct{}, len(DefaultAllowedPorts))
	for _, p := range DefaultAllowedPorts {
		ports[p] = struct{}{}
	}
	return &Policy{
		AllowedPorts:     ports,
		AllowedHosts:     map[string]struct{}{},
		TTL:              DefaultCacheTTL,
		ConnectTimeout:   DefaultConnectTimeout,
		MaxWsBufferBytes: DefaultMaxWsBufferBytes,
		LogLevel:         "info",
	}
}

// AllowPort reports whether port is in the allow-list.
func (p *Policy) AllowPort(port uint16) bool {
	_, ok := p.AllowedPorts[port]
	return ok
}

// AllowHost reports whether host is permitted. An empty allow-list means
// accept any host — preserved from the source behavior per spec §9, but a
// security concern for production deployments that should populate it.
func (p *Policy) AllowHost(host string) bool {
	if len(p.AllowedHosts) == 0 {
		return true
	}
	_, ok := p.AllowedHosts[host]
	return ok
}
