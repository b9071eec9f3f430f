package localapi

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
	"bikanpe/fabric/pkg/session"
)

func dialDirector(t *testing.T) (*httptest.Server, func()) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		env, _, err := proto.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, proto.MsgClientHello, env.Type)

		welcome, _ := proto.NewServerWelcome("test-director", "client-1")
		require.NoError(t, conn.WriteJSON(welcome))

		kanpe, _ := proto.NewKanpeMessage("Roll in 5", []string{"ALL"}, proto.PriorityNormal)
		require.NoError(t, conn.WriteJSON(kanpe))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, srv.Close
}

func newTestSession(t *testing.T, srv *httptest.Server) *session.Session {
	s := session.New(events.New(), nil)
	wsAddr := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, s.Connect(wsAddr, "caster-1", []string{"mon-1"}))
	require.Eventually(t, func() bool { return s.State() == session.StateConnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Latest() != nil }, time.Second, 5*time.Millisecond)
	return s
}

func dialLocalAPI(t *testing.T, srv *Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.listener.Addr().String()+"/", nil)
	require.NoError(t, err)
	return conn
}

func TestGetStateReportsConnectionAndLatest(t *testing.T) {
	directorSrv, closeDirector := dialDirector(t)
	defer closeDirector()
	sess := newTestSession(t, directorSrv)
	defer sess.Disconnect()

	api := New(sess, "caster-1", nil)
	require.NoError(t, api.Start(0))
	defer api.Stop()

	conn := dialLocalAPI(t, api)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Request{Type: ReqGetState}))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, "state_update", resp.Type)
	assert.True(t, resp.Connected)
	require.NotNil(t, resp.LatestMessage)
	assert.Equal(t, "Roll in 5", resp.LatestMessage.Content)
}

func TestReactToLatestFailsWithoutConnection(t *testing.T) {
	sess := session.New(events.New(), nil)
	api := New(sess, "caster-1", nil)
	require.NoError(t, api.Start(0))
	defer api.Stop()

	conn := dialLocalAPI(t, api)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Request{Type: ReqReactToLatest, FeedbackType: proto.FeedbackAck}))
	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestLoopbackGuardRejectsNonLoopback(t *testing.T) {
	assert.True(t, isLoopback("127.0.0.1:9877"))
	assert.True(t, isLoopback("[::1]:9877"))
	assert.False(t, isLoopback("10.0.0.5:9877"))
}
