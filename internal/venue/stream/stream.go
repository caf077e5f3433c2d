// Package stream maintains one websocket connection to a venue push feed,
// with automatic reconnection and subscription replay. Venue adapters supply
// the control-frame encoding and the data-frame handler; the stream owns the
// connection lifecycle.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Control methods sent to the venue when the topic set changes.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// Config tunes one stream connection.
type Config struct {
	// URL is the venue websocket endpoint.
	URL string
	// DialTimeout bounds the wait for the first successful connection.
	DialTimeout time.Duration
	// WriteTimeout bounds each control-frame write.
	WriteTimeout time.Duration
	// ControlInterval paces control frames; venues throttle them.
	ControlInterval time.Duration
	// MaxTopicsPerRequest splits large subscribe payloads.
	MaxTopicsPerRequest int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = 250 * time.Millisecond
	}
	if c.MaxTopicsPerRequest <= 0 {
		c.MaxTopicsPerRequest = 100
	}
	return c
}

// ControlRequest is the default control-frame shape. Venues with a different
// wire format supply their own Encoder.
type ControlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *controlError    `json:"error,omitempty"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Encoder renders one control frame for the venue.
type Encoder func(method string, topics []string, id uint64) ([]byte, error)

// DefaultEncoder marshals the ControlRequest shape.
func DefaultEncoder(method string, topics []string, id uint64) ([]byte, error) {
	return json.Marshal(ControlRequest{Method: method, Params: topics, ID: id})
}

// Handler receives each data frame. Errors are logged, not fatal; the frame
// is dropped and the stream keeps reading.
type Handler func(data []byte) error

// Stream is one managed websocket connection. Subscriptions survive
// reconnects: the full topic set is replayed after every successful dial.
type Stream struct {
	cfg     Config
	encode  Encoder
	handler Handler
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex
	msgID  atomic.Uint64

	topics   map[string]struct{}
	topicsMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	controlMu   sync.Mutex
	lastControl time.Time

	connected atomic.Bool
}

// New creates a stream. Start must be called before Subscribe.
func New(cfg Config, encode Encoder, handler Handler, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	if encode == nil {
		encode = DefaultEncoder
	}
	return &Stream{
		cfg:     cfg.withDefaults(),
		encode:  encode,
		handler: handler,
		log:     log.With(zap.String("stream_url", cfg.URL)),
		topics:  make(map[string]struct{}),
		ready:   make(chan struct{}),
	}
}

// Start dials in the background and blocks until the first connection or the
// dial timeout.
func (s *Stream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		if err := s.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("stream connection loop ended", zap.Error(err))
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(s.cfg.DialTimeout):
		return fmt.Errorf("stream: timeout waiting for connection to %s", s.cfg.URL)
	case <-s.ctx.Done():
		return fmt.Errorf("stream: %w", s.ctx.Err())
	}
}

// Stop closes the connection and halts reconnection.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.connected.Store(false)
}

// Connected reports whether a live connection exists right now.
func (s *Stream) Connected() bool { return s.connected.Load() }

// Subscribe adds topics, sending control frames for the ones not yet active.
func (s *Stream) Subscribe(topics ...string) error {
	s.topicsMu.Lock()
	fresh := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, exists := s.topics[topic]; !exists {
			s.topics[topic] = struct{}{}
			fresh = append(fresh, topic)
		}
	}
	s.topicsMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	return s.sendControl(MethodSubscribe, fresh)
}

// Unsubscribe removes topics, sending control frames for the active ones.
func (s *Stream) Unsubscribe(topics ...string) error {
	s.topicsMu.Lock()
	active := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, exists := s.topics[topic]; exists {
			delete(s.topics, topic)
			active = append(active, topic)
		}
	}
	s.topicsMu.Unlock()
	if len(active) == 0 {
		return nil
	}
	return s.sendControl(MethodUnsubscribe, active)
}

func (s *Stream) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.cfg.URL, nil)
		if err != nil {
			s.log.Warn("stream dial failed", zap.Error(err))
			if !s.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.connected.Store(true)
		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()

		if err := s.replayTopics(); err != nil {
			s.log.Warn("topic replay after reconnect failed", zap.Error(err))
		}

		err = s.readLoop(conn)
		s.connected.Store(false)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		s.log.Warn("stream read loop ended, reconnecting", zap.Error(err))

		if !s.sleep(backoffCfg.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (s *Stream) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Second
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// replayTopics restores the full subscription set on a fresh connection.
func (s *Stream) replayTopics() error {
	s.topicsMu.Lock()
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.topicsMu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	return s.sendControl(MethodSubscribe, topics)
}

func (s *Stream) sendControl(method string, topics []string) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		// Topics are recorded; replay handles them once connected.
		return errors.New("stream: not connected")
	}

	for _, chunk := range chunkTopics(topics, s.cfg.MaxTopicsPerRequest) {
		if err := s.paceControlLocked(); err != nil {
			return err
		}
		data, err := s.encode(method, chunk, s.msgID.Add(1))
		if err != nil {
			return fmt.Errorf("stream: encode %s: %w", method, err)
		}
		writeCtx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("stream: write %s: %w", method, err)
		}
		s.lastControl = time.Now()
	}
	return nil
}

func chunkTopics(topics []string, size int) [][]string {
	if len(topics) == 0 {
		return nil
	}
	if size <= 0 || len(topics) <= size {
		snapshot := make([]string, len(topics))
		copy(snapshot, topics)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(topics)+size-1)/size)
	for start := 0; start < len(topics); start += size {
		end := start + size
		if end > len(topics) {
			end = len(topics)
		}
		chunk := make([]string, end-start)
		copy(chunk, topics[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (s *Stream) paceControlLocked() error {
	if s.lastControl.IsZero() {
		return nil
	}
	wait := time.Until(s.lastControl.Add(s.cfg.ControlInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// readLoop reads until the connection drops. Control acknowledgments are
// consumed here; everything else goes to the handler.
func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				s.log.Warn("stream control rejected",
					zap.Uint64("id", resp.ID),
					zap.Int("code", resp.Error.Code),
					zap.String("msg", resp.Error.Msg))
			}
			continue
		}

		if s.handler != nil {
			if err := s.handler(data); err != nil {
				s.log.Warn("stream frame handler failed", zap.Error(err))
			}
		}
	}
}
