// Package connector implements the Exchange Connector.
//
// One Session runs per configured exchange. Each session maintains an
// outbound WebSocket connection, subscribes to the configured (symbol)
// channels, decodes incoming frames into normalized types.Tick values, and
// publishes them onto the stream bus. Sessions auto-reconnect with
// exponential backoff and never propagate network/decode errors to the
// consumer of Ticks() — the stream simply pauses until reconnection
// succeeds; network and decode failures never propagate as errors.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradepipeline/internal/config"
	"tradepipeline/pkg/metrics"
	"tradepipeline/pkg/types"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
	writeWait   = 10 * time.Second
	tickBuffer  = 1024
	dropLatency = 100 * time.Millisecond // publish block threshold before back-pressure drop
)

// ConnectError is returned by Start when the initial handshake does not
// complete within the configured deadline.
type ConnectError struct {
	Exchange string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Exchange, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Publisher is the narrow interface the connector publishes ticks through.
// It is satisfied by bus.Bus; kept as an interface so the connector has no
// hard dependency on the bus package's concrete client.
type Publisher interface {
	Publish(ctx context.Context, exchange, symbol string, tick types.Tick) (string, error)
}

// Decoder turns one raw WebSocket frame into zero or more ticks. Each
// exchange has its own wire format, so the connector is parameterized by a
// Decoder rather than hard-coding a protocol.
type Decoder interface {
	Decode(raw []byte) ([]types.Tick, error)
	// SubscribeFrames returns the frame(s) to send on connect/reconnect for
	// the given set of symbols.
	SubscribeFrames(symbols []string) ([][]byte, error)
}

// dropCounters tracks back-pressure drops per (exchange,symbol), exposed to
// the control plane for health/metrics reporting.
type dropCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newDropCounters() *dropCounters {
	return &dropCounters{counts: make(map[string]int64)}
}

func (d *dropCounters) inc(symbol string) {
	d.mu.Lock()
	d.counts[symbol]++
	d.mu.Unlock()
}

func (d *dropCounters) snapshot() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Session is one exchange's connector. It owns its WebSocket connection;
// once a tick is published to the bus, the session no longer owns it
//.
type Session struct {
	exchangeID string
	cfg        config.ExchangeConfig
	decoder    Decoder
	publisher  Publisher
	logger     *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	outCh chan types.Tick // fan-out to in-process consumers (e.g. aggregator shortcut, tests)
	drops *dropCounters

	lastBySymbol   map[string]time.Time // last source timestamp seen, for monotonicity checks
	lastBySymbolMu sync.Mutex

	decodeErrors int64
	netErrors    int64
	statMu       sync.Mutex

	done chan struct{}
}

// NewSession constructs a connector session for one exchange. decoder must
// know how to translate that exchange's wire format.
func NewSession(cfg config.ExchangeConfig, decoder Decoder, publisher Publisher, logger *slog.Logger) *Session {
	return &Session{
		exchangeID:   cfg.ID,
		cfg:          cfg,
		decoder:      decoder,
		publisher:    publisher,
		logger:       logger.With("component", "connector", "exchange", cfg.ID),
		outCh:        make(chan types.Tick, tickBuffer),
		drops:        newDropCounters(),
		lastBySymbol: make(map[string]time.Time),
		done:         make(chan struct{}),
	}
}

// ExchangeID returns the exchange this session connects to.
func (s *Session) ExchangeID() string {
	return s.exchangeID
}

// Start establishes the initial session. It blocks until the handshake
// completes or the configured deadline elapses, then launches the
// reconnect-forever loop in the background and returns.
func (s *Session) Start(ctx context.Context) error {
	deadline := s.cfg.HandshakeWait
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, err := s.dial(connectCtx)
	if err != nil {
		return &ConnectError{Exchange: s.exchangeID, Err: err}
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	go s.runForever(ctx, conn)
	return nil
}

// Stop gracefully closes the session. It drains in-flight decode work and
// guarantees no tick is emitted to Ticks() after it returns.
func (s *Session) Stop() {
	close(s.done)
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
}

// Ticks exposes a lazy, unbounded (buffered) stream of ticks for this
// exchange. Never propagates network/decode errors.
func (s *Session) Ticks() <-chan types.Tick {
	return s.outCh
}

// DropCounts returns the per-symbol back-pressure drop counters.
func (s *Session) DropCounts() map[string]int64 {
	return s.drops.snapshot()
}

// ErrorCounts returns (decodeErrors, networkErrors) for health reporting.
func (s *Session) ErrorCounts() (decode, network int64) {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return s.decodeErrors, s.netErrors
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	frames, err := s.decoder.SubscribeFrames(s.cfg.Symbols)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build subscribe frames: %w", err)
	}
	for _, f := range frames {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	return conn, nil
}

// runForever owns the reconnect loop: read until failure, back off
// exponentially (base 1s, factor 2, cap 30s, full jitter), resubscribe,
// discard partial message state, repeat.
func (s *Session) runForever(ctx context.Context, firstConn *websocket.Conn) {
	conn := firstConn
	backoff := baseBackoff

	for {
		err := s.readLoop(ctx, conn)
		conn = nil

		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			s.statMu.Lock()
			s.netErrors++
			s.statMu.Unlock()
			metrics.ConnectorReconnects.WithLabelValues(s.exchangeID).Inc()
			s.logger.Warn("session disconnected, reconnecting", "error", err, "backoff", backoff)
		}

		wait := fullJitter(backoff)
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		newConn, dialErr := s.dial(ctx)
		if dialErr != nil {
			s.logger.Warn("reconnect failed", "error", dialErr)
			continue
		}
		s.connMu.Lock()
		s.conn = newConn
		s.connMu.Unlock()
		conn = newConn
		backoff = baseBackoff
	}
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n := time.Now().UnixNano() % int64(d)
	if n < 0 {
		n = -n
	}
	return time.Duration(n)
}

// pingLoop sends ping frames at half the server-advertised interval so the
// remote sees a heartbeat well within its own timeout window.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames until the connection fails or a read deadline
// (two missed ping intervals) expires, decoding and publishing each frame.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx, conn)

	readTimeout := s.cfg.PingInterval
	if readTimeout <= 0 {
		readTimeout = 20 * time.Second
	}
	readTimeout *= 2

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ticks, err := s.decoder.Decode(msg)
		if err != nil {
			s.statMu.Lock()
			s.decodeErrors++
			s.statMu.Unlock()
			s.logger.Debug("decode error, dropping frame", "error", err)
			continue
		}

		for _, t := range ticks {
			s.handleTick(ctx, t)
		}
	}
}

// handleTick records the last source timestamp per symbol (an out-of-order
// tick is still forwarded), fans the tick out locally, and publishes it to
// the bus without stalling the socket reader: when the local buffer is full
// the oldest buffered tick is dropped, and a tick whose publish fails or
// exceeds dropLatency is dropped and counted.
func (s *Session) handleTick(ctx context.Context, t types.Tick) {
	t.Exchange = s.exchangeID
	t.IngestTimestamp = time.Now()

	s.lastBySymbolMu.Lock()
	if last, ok := s.lastBySymbol[t.Symbol]; ok && t.SourceTimestamp.Before(last) {
		// Out-of-order within a session: still forward, downstream
		// aggregator handles ordering's edge cases.
	}
	s.lastBySymbol[t.Symbol] = t.SourceTimestamp
	s.lastBySymbolMu.Unlock()

	select {
	case s.outCh <- t:
	default:
		select {
		case <-s.outCh:
		default:
		}
		s.outCh <- t
		s.drops.inc(t.Symbol)
		metrics.ConnectorDrops.WithLabelValues(s.exchangeID, t.Symbol).Inc()
	}

	if s.publisher == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, dropLatency)
	defer cancel()
	if _, err := s.publisher.Publish(publishCtx, s.exchangeID, t.Symbol, t); err != nil {
		s.drops.inc(t.Symbol)
		metrics.ConnectorDrops.WithLabelValues(s.exchangeID, t.Symbol).Inc()
		s.logger.Debug("publish dropped (back-pressure or bus fault)", "symbol", t.Symbol, "error", err)
	}
}
