package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// subscriber is the hub's server-side view of a connected caster (the
// spec's ConnectedClient entity).
type subscriber struct {
	clientID          string
	name              string
	displayMonitorIDs []string

	conn       *websocket.Conn
	outbox     *outbox
	writerDone chan struct{}

	mu       sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
}

func (s *subscriber) touchLastSeen() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *subscriber) getLastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// closeConn closes the underlying socket exactly once. reason is not
// used: it does not change close behavior and is neither logged nor sent
// to the peer.
func (s *subscriber) closeConn(reason error) {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}
