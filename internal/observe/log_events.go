package observe

import (
	"sync"

	"go.uber.org/zap"
)

// SessionSummary accumulates per-session facts across events and is flushed
// to the log when the session closes.
type SessionSummary struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	LocalAddress  string `json:"local_address"`
	RemoteAddress string `json:"remote_address"`
	User          string `json:"user"`
	Database      string `json:"database"`
	BytesIn       uint64 `json:"bytes_to_backend"`
	BytesOut      uint64 `json:"bytes_to_client"`
}

// LogEvents is the default Events sink: it keeps one summary per live session
// and logs lifecycle transitions through zap.
type LogEvents struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*SessionSummary
}

func NewLogEvents(logger *zap.SugaredLogger) *LogEvents {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogEvents{logger: logger, sessions: make(map[string]*SessionSummary)}
}

func (e *LogEvents) OnSessionAccept(sessionID, kind, localAddr, remoteAddr string) {
	e.mu.Lock()
	e.sessions[sessionID] = &SessionSummary{
		ID:            sessionID,
		Kind:          kind,
		LocalAddress:  localAddr,
		RemoteAddress: remoteAddr,
	}
	e.mu.Unlock()
	e.logger.Infow("accepted session", "id", sessionID, "kind", kind, "remote", remoteAddr)
}

func (e *LogEvents) OnHandshake(sessionID, user, database string, err error) {
	e.mu.Lock()
	if s, ok := e.sessions[sessionID]; ok {
		s.User = user
		s.Database = database
	}
	e.mu.Unlock()
	if err != nil {
		e.logger.Warnw("handshake failed", "id", sessionID, "user", user, "error", err)
		return
	}
	e.logger.Infow("handshake complete", "id", sessionID, "user", user, "database", database)
}

func (e *LogEvents) OnSessionClosed(sessionID string, toBackend, toClient uint64, err error) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if ok {
		s.BytesIn = toBackend
		s.BytesOut = toClient
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if err != nil {
		e.logger.Warnw("session closed", "id", sessionID, "bytes_to_backend", toBackend, "bytes_to_client", toClient, "error", err)
		return
	}
	e.logger.Infow("session closed", "id", sessionID, "bytes_to_backend", toBackend, "bytes_to_client", toClient)
}

func (e *LogEvents) OnBackendDial(kind, connID string, err error) {
	if err != nil {
		e.logger.Warnw("backend dial failed", "kind", kind, "error", err)
		return
	}
	e.logger.Infow("backend connection opened", "kind", kind, "conn", connID)
}

func (e *LogEvents) OnBackendDiscard(kind, connID string) {
	e.logger.Infow("backend connection discarded", "kind", kind, "conn", connID)
}

// Open reports how many sessions have been accepted but not yet closed.
func (e *LogEvents) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}
