// Package coordinator implements the directory client: it speaks the
// backend ecosystem's TCP-framed binary coordinator protocol to fetch the
// public server list and to resolve invite codes, per spec §4.2.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openttd/wsrelay/internal/wire"
)

const (
	listingOverallTimeout  = 10 * time.Second
	resolveOverallTimeout  = 15 * time.Second
	resolveWatchdogTimeout = 10 * time.Second
)

// dialFunc matches net.Dialer.DialContext and lets tests substitute a fake
// coordinator without touching the network.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client drives short-lived TCP sessions against one fixed coordinator
// address. It owns no long-lived socket; every flow opens, uses, and
// closes its own connection.
type Client struct {
	addr string
	dial dialFunc
	log  zerolog.Logger
}

// NewClient returns a Client targeting the given coordinator host:port.
func NewClient(addr string, log zerolog.Logger) *Client {
	d := &net.Dialer{}
	return &Client{
		addr: addr,
		dial: d.DialContext,
		log:  log,
	}
}

// ListServers runs the list-servers flow of spec §4.2.1. It always
// degrades gracefully: on timeout, socket close, or decode error it returns
// whatever server records were accumulated before the failure with a nil
// error; the error that ended the session is returned only when no records
// were accumulated.
func (c *Client) ListServers(ctx context.Context) ([]ServerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, listingOverallTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	req := wire.NewWriter().
		WriteU8(coordVersion).
		WriteU8(gameInfoVersion).
		WriteZString(revisionTag).
		WriteU32LE(0)
	frame, err := wire.EncodeFrame(PacketClientListing, req.Bytes())
	if err != nil {
		return nil, fmt.Errorf("coordinator: encode CLIENT_LISTING: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("coordinator: write CLIENT_LISTING: %w", err)
	}

	table := NewNewGRFTable()
	var servers []ServerRecord
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, err := dec.Next()
				if err == wire.ErrNeedMore {
					break
				}
				if err != nil {
					c.log.Debug().Err(err).Msg("listing: decode error, returning partial results")
					return c.listingOutcome(servers, fmt.Errorf("%w: %v", ErrDecode, err))
				}
				switch f.Type {
				case PacketGCNewgrfLookup:
					if err := decodeNewgrfLookup(f.Payload, table); err != nil {
						c.log.Debug().Err(err).Msg("listing: malformed NEWGRF_LOOKUP, ignoring")
					}
				case PacketGCListing:
					recs, err := decodeListing(f.Payload, table)
					if err != nil {
						c.log.Debug().Err(err).Msg("listing: malformed LISTING packet")
						return c.listingOutcome(servers, fmt.Errorf("%w: %v", ErrDecode, err))
					}
					if len(recs) == 0 {
						// Empty listing signals end-of-stream.
						return servers, nil
					}
					servers = append(servers, recs...)
				default:
					c.log.Debug().Uint8("type", f.Type).Msg("listing: ignoring unrecognized packet type")
				}
			}
		}
		if readErr != nil {
			if isTimeout(readErr) {
				return c.listingOutcome(servers, fmt.Errorf("%w: %v", ErrTimeout, readErr))
			}
			return c.listingOutcome(servers, fmt.Errorf("coordinator: connection closed: %v", readErr))
		}
	}
}

// listingOutcome applies spec §4.2.1 step 4 / §7's "advisory, degrades
// gracefully" rule: once any server records have been accumulated, a
// mid-stream timeout, socket close, or decode error still counts as a
// successful listing. The triggering error is only surfaced when nothing
// was accumulated at all.
func (c *Client) listingOutcome(servers []ServerRecord, err error) ([]ServerRecord, error) {
	if len(servers) > 0 {
		c.log.Debug().Err(err).Msg("listing: ending early with partial results, treated as success")
		return servers, nil
	}
	return servers, err
}

// ResolveInvite runs the resolve-invite flow of spec §4.2.2.
func (c *Client) ResolveInvite(ctx context.Context, code string) (InviteResult, error) {
	code = normalizeInviteCode(code)

	ctx, cancel := context.WithTimeout(ctx, resolveOverallTimeout)
	defer cancel()

	conn, err := c.dial(ctx, "tcp", c.addr)
	if err != nil {
		return InviteResult{}, fmt.Errorf("coordinator: dial: %w", err)
	}
	defer conn.Close()

	overallDeadline, _ := ctx.Deadline()

	req := wire.NewWriter().WriteU8(coordVersion).WriteZString(code)
	frame, err := wire.EncodeFrame(PacketClientConnect, req.Bytes())
	if err != nil {
		return InviteResult{}, fmt.Errorf("coordinator: encode CLIENT_CONNECT: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return InviteResult{}, fmt.Errorf("coordinator: write CLIENT_CONNECT: %w", err)
	}

	dec := wire.NewDecoder()
	buf := make([]byte, 4096)

	for {
		watchdogDeadline := time.Now().Add(resolveWatchdogTimeout)
		if watchdogDeadline.After(overallDeadline) {
			watchdogDeadline = overallDeadline
		}
		conn.SetReadDeadline(watchdogDeadline)

		n, readErr := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, err := dec.Next()
				if err == wire.ErrNeedMore {
					break
				}
				if err != nil {
					return InviteResult{}, fmt.Errorf("%w: %v", ErrDecode, err)
				}

				result, done, err := c.handleResolvePacket(f)
				if err != nil {
					return InviteResult{}, err
				}
				if done {
					return result, nil
				}
			}
		}
		if readErr != nil {
			if isTimeout(readErr) {
				return InviteResult{}, ErrTimeout
			}
			return InviteResult{}, fmt.Errorf("coordinator: connection closed: %v", readErr)
		}
	}
}

// handleResolvePacket applies one incoming packet to the resolve flow's
// reaction table, per spec §4.2.2 step 4.
func (c *Client) handleResolvePacket(f wire.Frame) (InviteResult, bool, error) {
	switch f.Type {
	case PacketGCError:
		r := wire.NewReader(f.Payload)
		code, err := r.ReadU8()
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		detail, err := r.ReadZString()
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return InviteResult{}, false, &CoordinatorError{Code: code, Detail: detail}

	case PacketGCConnecting:
		c.log.Debug().Msg("resolve: tracking token received, continuing")
		return InviteResult{}, false, nil

	case PacketGCStunRequest:
		c.log.Debug().Msg("resolve: STUN request noted, continuing")
		return InviteResult{}, false, nil

	case PacketGCDirectConnect:
		r := wire.NewReader(f.Payload)
		if _, err := r.ReadZString(); err != nil { // token
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if _, err := r.ReadU8(); err != nil { // trackingNumber
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		host, err := r.ReadZString()
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		port, err := r.ReadU16LE()
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return InviteResult{Kind: InviteDirect, Host: host, Port: port}, true, nil

	case PacketGCTurnConnect:
		r := wire.NewReader(f.Payload)
		if _, err := r.ReadZString(); err != nil { // token
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if _, err := r.ReadU8(); err != nil { // trackingNumber
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		ticket, err := r.ReadZString()
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		connStr, err := r.ReadZString()
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		host, port, err := splitHostPort(connStr)
		if err != nil {
			return InviteResult{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return InviteResult{Kind: InviteRelay, Host: host, Port: port, Ticket: ticket}, true, nil

	case PacketGCConnectFailed:
		return InviteResult{}, false, ErrConnectionFailed

	default:
		c.log.Debug().Uint8("type", f.Type).Msg("resolve: ignoring unrecognized packet type")
		return InviteResult{}, false, nil
	}
}

// normalizeInviteCode ensures a leading '+' sigil, per spec §4.2.2 step 1.
func normalizeInviteCode(code string) string {
	if strings.HasPrefix(code, "+") {
		return code
	}
	return "+" + code
}

// splitHostPort parses a "host:port" connection string into its parts.
func splitHostPort(connStr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(connStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid connection string %q: %w", connStr, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", connStr, err)
	}
	return host, port, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
