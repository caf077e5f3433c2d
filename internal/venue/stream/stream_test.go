package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
)

// wsServer accepts websocket clients, records control frames, and lets tests
// push data frames and drop connections.
type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	controls []ControlRequest
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var req ControlRequest
			if json.Unmarshal(data, &req) == nil && req.ID > 0 {
				s.mu.Lock()
				s.controls = append(s.controls, req)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) push(t *testing.T, data []byte) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "test drop")
	}
	s.conns = nil
}

func (s *wsServer) controlsFor(method string) []ControlRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ControlRequest
	for _, c := range s.controls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestStreamDeliversDataFrames(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	var frames []string
	s := New(Config{URL: srv.url()}, nil, func(data []byte) error {
		mu.Lock()
		frames = append(frames, string(data))
		mu.Unlock()
		return nil
	}, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	srv.push(t, []byte(`{"channel":"orders","payload":1}`))
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	})
}

func TestSubscribeSendsControlFrameOnce(t *testing.T) {
	srv := newWSServer(t)
	s := New(Config{URL: srv.url()}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Subscribe("orders.ETH-USDT", "book.ETH-USDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Duplicate subscription must not produce a second control frame.
	if err := s.Subscribe("orders.ETH-USDT"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(srv.controlsFor(MethodSubscribe)) >= 1
	})
	subs := srv.controlsFor(MethodSubscribe)
	if len(subs) != 1 {
		t.Fatalf("subscribe frames = %d, want 1", len(subs))
	}
	if len(subs[0].Params) != 2 {
		t.Fatalf("topics = %v, want 2 entries", subs[0].Params)
	}
}

func TestUnsubscribeOnlyCoversActiveTopics(t *testing.T) {
	srv := newWSServer(t)
	s := New(Config{URL: srv.url()}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Subscribe("orders.ETH-USDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Unsubscribe("orders.ETH-USDT", "book.ETH-USDT"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(srv.controlsFor(MethodUnsubscribe)) == 1
	})
	unsubs := srv.controlsFor(MethodUnsubscribe)
	if len(unsubs[0].Params) != 1 || unsubs[0].Params[0] != "orders.ETH-USDT" {
		t.Fatalf("unsubscribe params = %v, want only the active topic", unsubs[0].Params)
	}
}

func TestStreamReconnectsAndReplaysTopics(t *testing.T) {
	srv := newWSServer(t)
	s := New(Config{URL: srv.url()}, nil, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if err := s.Subscribe("orders.ETH-USDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(srv.controlsFor(MethodSubscribe)) == 1
	})

	srv.dropConnections()

	// A fresh connection must appear and replay the topic set.
	waitFor(t, 10*time.Second, func() bool {
		return srv.connCount() >= 1 && len(srv.controlsFor(MethodSubscribe)) >= 2
	})

	replays := srv.controlsFor(MethodSubscribe)
	last := replays[len(replays)-1]
	if len(last.Params) != 1 || last.Params[0] != "orders.ETH-USDT" {
		t.Fatalf("replayed topics = %v, want the original set", last.Params)
	}
}

func TestChunkTopics(t *testing.T) {
	topics := []string{"a", "b", "c", "d", "e"}
	chunks := chunkTopics(topics, 2)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != "e" {
		t.Fatalf("last chunk = %v, want [e]", chunks[2])
	}
	if chunkTopics(nil, 2) != nil {
		t.Fatal("empty input must produce no chunks")
	}
}
