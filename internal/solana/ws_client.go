package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"solana-fee-pipeline/internal/retry"
)

var errStreamClosed = errors.New("signature stream closed")

// WSClientConfig configures the signature stream.
type WSClientConfig struct {
	// ReconnectDelay is the first redial backoff; it doubles up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// PingInterval is the keepalive period. Pongs extend the read deadline.
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SubscribeTimeout bounds the wait for the node to acknowledge a subscription.
	SubscribeTimeout time.Duration
	// Commitment the notifications wait for.
	Commitment string
	Logger     *slog.Logger
}

// DefaultWSConfig returns the default stream configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		Commitment:        CommitmentConfirmed,
	}
}

// watch is one signature awaiting its notification. It moves from the
// pending table (keyed by request id) to the active table (keyed by
// subscription id) when the node acknowledges it, and back to pending on
// every redial.
type watch struct {
	signature string
	acked     chan struct{}
	ackOnce   sync.Once
	out       chan SignatureNotification
}

func (w *watch) ack() {
	w.ackOnce.Do(func() { close(w.acked) })
}

// SignatureStream is a WSClient over a single gorilla/websocket connection.
// One goroutine reads and redials; writes are serialized by mu.
type SignatureStream struct {
	endpoint string
	config   WSClientConfig
	log      *slog.Logger
	dialer   websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	nextID  uint64
	pending map[uint64]*watch
	active  map[int64]*watch
	// stranded watches failed to resubscribe after the last redial.
	stranded []*watch

	done chan struct{}
	wg   sync.WaitGroup
}

var _ WSClient = (*SignatureStream)(nil)

// NewWSClient dials endpoint and starts the read and keepalive loops.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*SignatureStream, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 30 * time.Second
	}

	s := &SignatureStream{
		endpoint: endpoint,
		config:   cfg,
		log:      cfg.Logger.With("component", "solana_ws"),
		dialer:   websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:  make(map[uint64]*watch),
		active:   make(map[int64]*watch),
		done:     make(chan struct{}),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	s.wg.Add(2)
	go s.readLoop()
	go s.keepalive()

	return s, nil
}

func (s *SignatureStream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	readTimeout := s.config.ReadTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn, nil
}

// SubscribeSignature registers a signatureSubscribe and waits for the node
// to acknowledge it.
func (s *SignatureStream) SubscribeSignature(ctx context.Context, signature string) (<-chan SignatureNotification, error) {
	w := &watch{
		signature: signature,
		acked:     make(chan struct{}),
		out:       make(chan SignatureNotification, 1),
	}

	s.mu.Lock()
	err := s.sendLocked(w)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.config.SubscribeTimeout)
	defer timer.Stop()

	select {
	case <-w.acked:
		return w.out, nil
	case <-timer.C:
		s.forget(w)
		return nil, fmt.Errorf("subscription timeout after %s", s.config.SubscribeTimeout)
	case <-ctx.Done():
		s.forget(w)
		return nil, ctx.Err()
	case <-s.done:
		return nil, errStreamClosed
	}
}

// sendLocked writes a subscribe request for w and parks it as pending.
func (s *SignatureStream) sendLocked(w *watch) error {
	if s.closed {
		return errStreamClosed
	}
	if s.conn == nil {
		return errors.New("websocket not connected")
	}

	s.nextID++
	id := s.nextID
	s.pending[id] = w

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "signatureSubscribe",
		Params: []interface{}{
			w.signature,
			map[string]string{"commitment": s.config.Commitment},
		},
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		delete(s.pending, id)
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// forget drops w from both tables.
func (s *SignatureStream) forget(w *watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if p == w {
			delete(s.pending, id)
		}
	}
	for id, a := range s.active {
		if a == w {
			delete(s.active, id)
		}
	}
	for i, st := range s.stranded {
		if st == w {
			s.stranded = append(s.stranded[:i], s.stranded[i+1:]...)
			break
		}
	}
}

// Close stops both loops and closes every outstanding channel.
func (s *SignatureStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)

	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	for id, w := range s.pending {
		close(w.out)
		delete(s.pending, id)
	}
	for id, w := range s.active {
		close(w.out)
		delete(s.active, id)
	}
	for _, w := range s.stranded {
		close(w.out)
	}
	s.stranded = nil
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *SignatureStream) current() (*websocket.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.closed
}

func (s *SignatureStream) readLoop() {
	defer s.wg.Done()

	for {
		conn, closed := s.current()
		if closed {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err == nil {
			s.dispatch(message)
			continue
		}

		if _, closed := s.current(); closed {
			return
		}
		s.log.Warn("solana ws: connection lost", "error", err)
		if !s.redial() {
			return
		}
	}
}

// redial reconnects with jittered exponential backoff and re-registers every
// watch. A signature confirmed while disconnected is reported by the node
// immediately on resubscription. Returns false once the stream is closed.
func (s *SignatureStream) redial() bool {
	for attempt := 0; ; attempt++ {
		delay := retry.Backoff(s.config.ReconnectDelay, s.config.MaxReconnectDelay, attempt)
		select {
		case <-s.done:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			s.log.Warn("solana ws: redial failed", "attempt", attempt+1, "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return false
		}
		s.conn.Close()
		s.conn = conn

		// Subscription ids do not survive the connection.
		watches := make([]*watch, 0, len(s.pending)+len(s.active))
		for id, w := range s.pending {
			watches = append(watches, w)
			delete(s.pending, id)
		}
		for id, w := range s.active {
			watches = append(watches, w)
			delete(s.active, id)
		}
		watches = append(watches, s.stranded...)
		s.stranded = nil
		for _, w := range watches {
			if err := s.sendLocked(w); err != nil {
				// Picked up again by the next redial.
				s.stranded = append(s.stranded, w)
			}
		}
		failed := len(s.stranded)
		s.mu.Unlock()

		s.log.Info("solana ws: reconnected", "resubscribed", len(watches)-failed, "failed", failed)
		return true
	}
}

type wsEnvelope struct {
	ID     uint64                `json:"id"`
	Method string                `json:"method"`
	Result json.RawMessage       `json:"result"`
	Params *wsNotificationParams `json:"params"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *SignatureStream) dispatch(message []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.log.Debug("solana ws: undecodable message", "error", err)
		return
	}

	switch {
	case env.Method == "signatureNotification" && env.Params != nil:
		s.notify(env.Params)
	case env.Error != nil:
		// The waiting subscriber times out.
		s.log.Warn("solana ws: error response", "id", env.ID, "code", env.Error.Code, "message", env.Error.Message)
	case env.ID != 0:
		var subID int64
		if err := json.Unmarshal(env.Result, &subID); err != nil {
			return
		}
		s.mu.Lock()
		w, ok := s.pending[env.ID]
		if ok {
			delete(s.pending, env.ID)
			s.active[subID] = w
		}
		s.mu.Unlock()
		if ok {
			w.ack()
		}
	}
}

// notify delivers the single notification; the node drops the
// subscription after sending it.
func (s *SignatureStream) notify(p *wsNotificationParams) {
	s.mu.Lock()
	w, ok := s.active[p.Subscription]
	if ok {
		delete(s.active, p.Subscription)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	n := SignatureNotification{Signature: w.signature, Err: p.Result.Value.Err}
	if p.Result.Context != nil {
		n.Slot = p.Result.Context.Slot
	}
	w.out <- n
	close(w.out)
}

func (s *SignatureStream) keepalive() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != nil && !s.closed {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				// A dead connection surfaces in readLoop.
				_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.mu.Unlock()
		}
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsSubscribeResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Result  int64  `json:"result"`
}

type wsNotification struct {
	JSONRPC string                `json:"jsonrpc"`
	Method  string                `json:"method"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext       `json:"context"`
	Value   wsSignatureValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsSignatureValue struct {
	Err interface{} `json:"err"`
}
