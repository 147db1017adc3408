// Package ws streams episode events to WebSocket subscribers and accepts
// their actions.
package ws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks open sockets per episode. Hijacked connections are not
// closed by http.Server.Shutdown, so the server closes them through CloseAll.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]string
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[*websocket.Conn]string),
	}
}

// Register adds conn, opened by sessionID, under episodeID.
func (m *ConnManager) Register(episodeID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[episodeID]; !exists {
		m.active[episodeID] = make(map[*websocket.Conn]string)
	}
	m.active[episodeID][conn] = sessionID
	slog.Debug("Subscriber registered", "episode_id", episodeID, "session_id", sessionID)
}

// Unregister removes conn.
func (m *ConnManager) Unregister(episodeID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[episodeID]
	if !ok {
		return
	}
	if sessionID, exists := conns[conn]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.active, episodeID)
		}
		slog.Debug("Subscriber unregistered", "episode_id", episodeID, "session_id", sessionID)
	}
}

// Count returns the number of sockets open on episodeID.
func (m *ConnManager) Count(episodeID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[episodeID])
}

// CloseEpisode starts closing every socket of episodeID and returns without
// waiting for the close handshakes.
func (m *ConnManager) CloseEpisode(episodeID, reason string) {
	m.mu.Lock()
	conns := m.active[episodeID]
	delete(m.active, episodeID)
	m.mu.Unlock()

	closeAll(conns, websocket.StatusNormalClosure, reason)
}

// CloseAll closes every tracked socket concurrently and returns how many there
// were. It waits for the close handshakes until ctx is done; sockets still
// closing after that finish in the background.
func (m *ConnManager) CloseAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[*websocket.Conn]string)
	m.mu.Unlock()

	all := make(map[*websocket.Conn]string)
	for _, conns := range active {
		for conn, sessionID := range conns {
			all[conn] = sessionID
		}
	}
	wg := closeAll(all, websocket.StatusGoingAway, reason)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for subscriber close handshakes", "error", ctx.Err())
	}
	return len(all)
}

// closeAll closes each conn in its own goroutine. A peer that never answers
// the close frame holds only its own goroutine, for at most the library's
// handshake timeout.
func closeAll(conns map[*websocket.Conn]string, code websocket.StatusCode, reason string) *sync.WaitGroup {
	var wg sync.WaitGroup
	for conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			if err := conn.Close(code, reason); err != nil {
				slog.Debug("Subscriber close did not complete cleanly", "error", err)
			}
		}(conn)
	}
	return &wg
}
