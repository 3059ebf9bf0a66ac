// Package observe receives lifecycle events from the listener, the relay and
// the pools. Implementations must be safe for concurrent use; every event is
// delivered from the goroutine that produced it.
package observe

type Events interface {
	OnSessionAccept(sessionID, kind, localAddr, remoteAddr string)
	OnHandshake(sessionID, user, database string, err error)
	OnSessionClosed(sessionID string, toBackend, toClient uint64, err error)
	OnBackendDial(kind, connID string, err error)
	OnBackendDiscard(kind, connID string)
}

// NopEvents discards everything. Components fall back to it when no sink is
// configured.
type NopEvents struct{}

func (NopEvents) OnSessionAccept(sessionID, kind, localAddr, remoteAddr string)         {}
func (NopEvents) OnHandshake(sessionID, user, database string, err error)               {}
func (NopEvents) OnSessionClosed(sessionID string, toBackend, toClient uint64, e error) {}
func (NopEvents) OnBackendDial(kind, connID string, err error)                          {}
func (NopEvents) OnBackendDiscard(kind, connID string)                                  {}
