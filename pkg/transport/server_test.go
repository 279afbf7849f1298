package transport

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the protocol to drive a Client.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	handshakes      atomic.Int32
	handshakeStatus atomic.Int32
	sessionID       string

	mu          sync.Mutex
	conns       []*websocket.Conn
	lastHeader  http.Header
	lastQuery   url.Values
	socketPaths []string

	connected chan *websocket.Conn
	received  chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{
		t:         t,
		sessionID: "sid123",
		connected: make(chan *websocket.Conn, 16),
		received:  make(chan string, 256),
	}
	fs.handshakeStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/1/", fs.handleHandshake)
	mux.HandleFunc("/socket.io/1/websocket/", fs.handleSocket)
	fs.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) URL() string {
	return fs.srv.URL
}

func (fs *fakeServer) handleHandshake(w http.ResponseWriter, r *http.Request) {
	fs.handshakes.Add(1)

	fs.mu.Lock()
	fs.lastHeader = r.Header.Clone()
	fs.lastQuery = r.URL.Query()
	fs.mu.Unlock()

	status := int(fs.handshakeStatus.Load())
	if status != http.StatusOK {
		http.Error(w, "denied", status)
		return
	}
	_, _ = w.Write([]byte(fs.sessionID + ":15:25:websocket"))
}

func (fs *fakeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.socketPaths = append(fs.socketPaths, r.URL.Path+"?"+r.URL.RawQuery)
	fs.mu.Unlock()

	_ = conn.WriteMessage(websocket.TextMessage, []byte("1::"))
	fs.connected <- conn

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fs.received <- string(msg)
	}
}

// waitConn returns the next accepted socket.
func (fs *fakeServer) waitConn() *websocket.Conn {
	fs.t.Helper()
	select {
	case conn := <-fs.connected:
		return conn
	case <-time.After(3 * time.Second):
		fs.t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// noConn asserts no socket is accepted within d.
func (fs *fakeServer) noConn(d time.Duration) {
	fs.t.Helper()
	select {
	case <-fs.connected:
		fs.t.Fatal("unexpected client connection")
	case <-time.After(d):
	}
}

// expect returns the next frame the client wrote.
func (fs *fakeServer) expect() string {
	fs.t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(3 * time.Second):
		fs.t.Fatal("timed out waiting for frame")
		return ""
	}
}

func (fs *fakeServer) send(conn *websocket.Conn, frame string) {
	fs.t.Helper()
	require.NoError(fs.t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (fs *fakeServer) paths() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.socketPaths...)
}
