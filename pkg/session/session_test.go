package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bikanpe/fabric/pkg/events"
	"bikanpe/fabric/pkg/proto"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newWelcomingServer starts a test director that accepts exactly one
// client_hello and replies with server_welcome, then holds the
// connection open for the caller's handler to drive further.
func newWelcomingServer(t *testing.T, onConnected func(conn *websocket.Conn)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, _, err := proto.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, proto.MsgClientHello, env.Type)

		welcome, err := proto.NewServerWelcome("test-director", "client-1")
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(welcome))

		if onConnected != nil {
			onConnected(conn)
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectReachesConnectedState(t *testing.T) {
	srv := newWelcomingServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s := New(events.New(), nil)
	require.NoError(t, s.Connect(wsURL(srv.URL), "caster-1", []string{"mon-1"}))

	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, 5*time.Millisecond)
}

func TestConnectRejectedWhenNotIdle(t *testing.T) {
	srv := newWelcomingServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s := New(events.New(), nil)
	require.NoError(t, s.Connect(wsURL(srv.URL), "caster-1", []string{"mon-1"}))
	err := s.Connect(wsURL(srv.URL), "caster-1", []string{"mon-1"})
	assert.Error(t, err)
}

func TestDisconnectReturnsToIdleImmediately(t *testing.T) {
	srv := newWelcomingServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	defer srv.Close()

	s := New(events.New(), nil)
	require.NoError(t, s.Connect(wsURL(srv.URL), "caster-1", []string{"mon-1"}))
	require.Eventually(t, func() bool { return s.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateIdle, s.State())
}

func TestMonitorListSyncReplacesMirrorWholesale(t *testing.T) {
	ready := make(chan struct{})
	srv := newWelcomingServer(t, func(conn *websocket.Conn) {
		sync, _ := proto.NewMonitorListSync([]proto.VirtualMonitor{{ID: "mon-1", Name: "Host"}})
		_ = conn.WriteJSON(sync)
		close(ready)
		time.Sleep(200 * time.Millisecond)
	})
	defer srv.Close()

	s := New(events.New(), nil)
	require.NoError(t, s.Connect(wsURL(srv.URL), "caster-1", []string{"mon-1"}))
	<-ready

	require.Eventually(t, func() bool { return len(s.Monitors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "mon-1", s.Monitors()[0].ID)
}

func TestPassesDisplayFilterAllSentinel(t *testing.T) {
	s := New(events.New(), nil)
	s.displayMonitorIDs = []string{"mon-1"}
	assert.True(t, s.passesDisplayFilter([]string{proto.ALLSentinel}))
}

func TestPassesDisplayFilterIntersection(t *testing.T) {
	s := New(events.New(), nil)
	s.displayMonitorIDs = []string{"mon-1", "mon-2"}
	assert.True(t, s.passesDisplayFilter([]string{"mon-2", "mon-3"}))
	assert.False(t, s.passesDisplayFilter([]string{"mon-3", "mon-4"}))
}

func TestMirrorUpsertAndRemove(t *testing.T) {
	m := newMirror()
	m.upsert(proto.VirtualMonitor{ID: "a", Name: "A"})
	m.upsert(proto.VirtualMonitor{ID: "b", Name: "B"})
	require.Len(t, m.list(), 2)

	m.upsert(proto.VirtualMonitor{ID: "a", Name: "A renamed"})
	require.Len(t, m.list(), 2)
	assert.Equal(t, "A renamed", m.list()[0].Name)

	m.remove("a")
	require.Len(t, m.list(), 1)
	assert.Equal(t, "b", m.list()[0].ID)
}

func TestSendFeedbackFailsWhenNotConnected(t *testing.T) {
	s := New(events.New(), nil)
	err := s.SendFeedback("hello", "caster-1", "", proto.FeedbackAck)
	assert.ErrorIs(t, err, ErrNotConnected)
}
