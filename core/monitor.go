package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opshelm/skillbus/config"
	"github.com/opshelm/skillbus/models"
)

const (
	monitorWriteWait  = 10 * time.Second
	monitorPongWait   = 60 * time.Second
	monitorPingPeriod = (monitorPongWait * 9) / 10
)

// monitorSession is one connected observer of the relay's event stream.
type monitorSession struct {
	conn    *websocket.Conn
	send    chan []byte
	monitor *monitor
}

// monitor broadcasts a JSON event per publish, delivery outcome,
// subscribe, and unsubscribe to every connected websocket session.
// Payload bodies never appear on the stream.
type monitor struct {
	logger   *slog.Logger
	cfg      config.Monitor
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*monitorSession]bool
}

func newMonitor(logger *slog.Logger, cfg config.Monitor) *monitor {
	return &monitor{
		logger: logger.WithGroup("monitor"),
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		sessions: make(map[*monitorSession]bool),
	}
}

func (m *monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()
	if active >= m.cfg.MaxConnections {
		m.logger.Warn("max monitor connections reached, rejecting", "current", active, "max", m.cfg.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("failed to upgrade monitor connection", "error", err)
		return
	}

	session := &monitorSession{
		conn:    conn,
		send:    make(chan []byte, m.cfg.SendBufferSize),
		monitor: m,
	}
	if !m.register(session) {
		m.logger.Warn("max monitor connections reached, closing session", "max", m.cfg.MaxConnections)
		conn.Close()
		return
	}

	go session.writePump()
	go session.readPump()
}

// register admits a session under the write lock; the cap is re-checked
// here so concurrent upgrades cannot both slip past the early check.
func (m *monitor) register(session *monitorSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.cfg.MaxConnections {
		return false
	}
	m.sessions[session] = true
	m.logger.Info("monitor session registered", "remote_addr", session.conn.RemoteAddr().String(), "sessions", len(m.sessions))
	return true
}

func (m *monitor) unregister(session *monitorSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session]; ok {
		delete(m.sessions, session)
		close(session.send)
		m.logger.Info("monitor session unregistered", "sessions", len(m.sessions))
	}
}

func (m *monitor) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// emit queues an event on every session. Sessions too slow to drain
// their send buffer lose events rather than block the relay.
func (m *monitor) emit(event models.MonitorEvent) {
	event.EventID = uuid.NewString()
	event.EmittedAt = time.Now().UTC()

	message, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal monitor event", "kind", event.Kind, "error", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for session := range m.sessions {
		select {
		case session.send <- message:
		default:
			m.logger.Warn("monitor session send buffer full, event dropped", "kind", event.Kind)
		}
	}
}

func (m *monitor) close() {
	m.mu.Lock()
	sessions := make([]*monitorSession, 0, len(m.sessions))
	for session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		m.unregister(session)
		session.conn.Close()
	}
}

// readPump drains (and ignores) inbound frames so pongs and close
// frames are processed. One reader per connection.
func (s *monitorSession) readPump() {
	defer func() {
		s.monitor.unregister(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(monitorPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(monitorPongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.monitor.logger.Error("monitor read error", "error", err)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (s *monitorSession) writePump() {
	ticker := time.NewTicker(monitorPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.monitor.logger.Error("monitor write error", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(monitorWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
