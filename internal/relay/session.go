// Package relay pairs one inbound WebSocket with one outbound TCP socket
// and forwards bytes transparently in both directions, per spec §4.4. It
// generalizes the teacher's per-connection read/write-pump goroutine pair
// from "speak the game's own binary protocol" to "shuttle opaque bytes to
// a dialed backend", and borrows flow-control bookkeeping (atomic
// counters, bounded queues) from the pack's other TCP proxies
// (HoNfigurator's GameProxy, the omnicloud relay server).
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the relay session's lifecycle stage, per spec §4.4's state
// machine.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes, per spec §4.4/§6.
const (
	CloseNormal          = websocket.CloseNormalClosure     // 1000
	ClosePolicyViolation = websocket.ClosePolicyViolation   // 1008
	CloseTransportError  = websocket.CloseInternalServerErr // 1011
)

// tcpReadChunkSize bounds how many bytes pumpTCPToWS reads (and forwards as
// one WebSocket message) per iteration; it is also the "one chunk" slack in
// spec §8 S6's backpressure bound.
const tcpReadChunkSize = 32 * 1024

// Metrics is the narrow counter surface relay sessions report to, per
// SPEC_FULL §13's log-line visibility into active session count.
type Metrics interface {
	SessionOpened()
	SessionClosed()
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened() {}
func (noopMetrics) SessionClosed() {}

// Config bounds one session's behavior.
type Config struct {
	ConnectTimeout   time.Duration
	MaxWsBufferBytes uint32
}

// Session owns exactly one WebSocket and one TCP socket for its lifetime.
type Session struct {
	ws      *websocket.Conn
	tcpAddr string
	cfg     Config
	log     zerolog.Logger
	metrics Metrics

	mu    sync.Mutex
	state State
	tcp   net.Conn

	bufferedOut atomic.Int64 // instrumentation for T->W backpressure (spec §8 S6)

	closeOnce sync.Once
}

// NewSession returns a Session ready to Run. tcpAddr is the already
// policy-validated "host:port" destination.
func NewSession(ws *websocket.Conn, tcpAddr string, cfg Config, log zerolog.Logger, metrics Metrics) *Session {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Session{
		ws:      ws,
		tcpAddr: tcpAddr,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		state:   StateConnecting,
	}
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BufferedOutBytes reports the current T->W in-flight byte count, used by
// tests to assert the backpressure bound of spec §8 S6.
func (s *Session) BufferedOutBytes() int64 {
	return s.bufferedOut.Load()
}

// Run drives the session to completion: dial, pump both directions, and
// tear down. It blocks until the session is closed or ctx is cancelled.
//
// Exactly one goroutine ever calls ws.ReadMessage (wsReaderLoop, below) for
// the whole lifetime of the session; the pre-connect buffering phase and
// the steady-state W->T forwarding both consume its output from a channel
// instead of reading the socket directly. That keeps the client's inbound
// messages flowing, and the dial, uninterrupted, without two goroutines
// ever racing to read the same WebSocket.
func (s *Session) Run(ctx context.Context) {
	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		s.closeSession(CloseNormal, "server shutting down")
	}()

	wsMsgCh := make(chan []byte, 1)
	wsErrCh := make(chan error, 1)
	go s.wsReaderLoop(sessionCtx, wsMsgCh, wsErrCh)

	connectedCh := make(chan net.Conn, 1)
	dialErrCh := make(chan error, 1)
	go func() {
		d := net.Dialer{}
		dialCtx, dialCancel := context.WithTimeout(sessionCtx, s.cfg.ConnectTimeout)
		defer dialCancel()
		conn, err := d.DialContext(dialCtx, "tcp", s.tcpAddr)
		if err != nil {
			dialErrCh <- err
			return
		}
		connectedCh <- conn
	}()

	tcpConn, preConnectQueue, ok := s.awaitConnect(sessionCtx, connectedCh, dialErrCh, wsMsgCh, wsErrCh)
	if !ok {
		return
	}

	s.mu.Lock()
	s.tcp = tcpConn
	s.state = StateOpen
	s.mu.Unlock()

	for _, msg := range preConnectQueue {
		if _, err := tcpConn.Write(msg); err != nil {
			s.log.Info().Err(err).Msg("relay: flushing pre-connect buffer failed")
			s.closeSession(CloseTransportError, "backend write failed")
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consumeWSToTCP(tcpConn, wsMsgCh, wsErrCh)
	}()
	go func() {
		defer wg.Done()
		s.pumpTCPToWS(tcpConn)
	}()
	wg.Wait()
}

// wsReaderLoop is the session's single WebSocket reader. It runs for the
// session's entire lifetime, handing each message to wsMsgCh.
func (s *Session) wsReaderLoop(ctx context.Context, msgCh chan<- []byte, errCh chan<- error) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		select {
		case msgCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

// awaitConnect waits for the backend dial to resolve while buffering any
// WebSocket messages that arrive in the meantime, bounded by
// cfg.MaxWsBufferBytes. ok is false if the session ended before a backend
// connection was established (caller should not proceed further).
func (s *Session) awaitConnect(
	ctx context.Context,
	connectedCh <-chan net.Conn,
	dialErrCh <-chan error,
	wsMsgCh <-chan []byte,
	wsErrCh <-chan error,
) (net.Conn, [][]byte, bool) {
	var queue [][]byte
	var queuedBytes uint32

	for {
		select {
		case conn := <-connectedCh:
			return conn, queue, true

		case err := <-dialErrCh:
			s.log.Info().Err(err).Str("addr", s.tcpAddr).Msg("relay: backend dial failed")
			s.closeSession(CloseTransportError, "backend unreachable")
			return nil, nil, false

		case data := <-wsMsgCh:
			if queuedBytes+uint32(len(data)) > s.cfg.MaxWsBufferBytes {
				s.closeSession(ClosePolicyViolation, "pre-connect buffer exceeded")
				return nil, nil, false
			}
			queue = append(queue, data)
			queuedBytes += uint32(len(data))

		case err := <-wsErrCh:
			s.log.Debug().Err(err).Msg("relay: client disconnected while connecting")
			s.closeSession(CloseNormal, "client disconnected")
			return nil, nil, false

		case <-ctx.Done():
			return nil, nil, false
		}
	}
}

// consumeWSToTCP forwards messages already read off the WebSocket by
// wsReaderLoop to the TCP backend. A slow/full TCP write blocks this
// goroutine's next channel receive, which backs up wsMsgCh and in turn
// blocks wsReaderLoop's next ws.ReadMessage call — exactly the W->T
// backpressure spec §4.4 asks for.
func (s *Session) consumeWSToTCP(tcp net.Conn, msgCh <-chan []byte, errCh <-chan error) {
	for {
		select {
		case data := <-msgCh:
			if _, err := tcp.Write(data); err != nil {
				s.log.Debug().Err(err).Msg("relay: backend write failed")
				s.closeSession(CloseTransportError, "backend write failed")
				return
			}
		case err := <-errCh:
			s.handlePeerError("ws read", err)
			return
		}
	}
}

// pumpTCPToWS forwards bytes received from the TCP backend to the
// WebSocket as binary messages. The bufferedOut counter tracks the size of
// the in-flight write; because the write is synchronous, buffered bytes
// never exceed one chunk, satisfying spec §8 S6's bound.
func (s *Session) pumpTCPToWS(tcp net.Conn) {
	buf := make([]byte, tcpReadChunkSize)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.bufferedOut.Add(int64(len(chunk)))
			writeErr := s.ws.WriteMessage(websocket.BinaryMessage, chunk)
			s.bufferedOut.Add(-int64(len(chunk)))

			if writeErr != nil {
				s.log.Debug().Err(writeErr).Msg("relay: client write failed")
				s.closeSession(CloseTransportError, "client write failed")
				return
			}
		}
		if err != nil {
			s.handlePeerError("tcp read", err)
			return
		}
	}
}

func (s *Session) handlePeerError(where string, err error) {
	if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.closeSession(CloseNormal, "peer closed")
		return
	}
	s.log.Debug().Err(err).Str("where", where).Msg("relay: peer error")
	s.closeSession(CloseTransportError, "transport error")
}

// closeSession moves the session to closing/closed and tears down both
// sockets exactly once, regardless of which direction triggered it.
func (s *Session) closeSession(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		tcp := s.tcp
		s.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		s.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		s.ws.Close()

		if tcp != nil {
			tcp.Close()
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	})
}

// Close aborts the session from outside, e.g. for graceful gateway
// shutdown.
func (s *Session) Close() {
	s.closeSession(CloseNormal, "closed")
}

// RejectPolicy closes a not-yet-started session with 1008, per spec §4.5
// admission failures. It never opens a backend socket.
func RejectPolicy(ws *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ClosePolicyViolation, reason), deadline)
	ws.Close()
}
