package hub

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bikanpe/fabric/pkg/events"
	"bikanpe/fabric/pkg/proto"
)

func startTestHub(t *testing.T) (*Hub, string) {
	h := New(events.New(), DefaultConfig(), nil)
	require.NoError(t, h.Start(0))
	t.Cleanup(func() { _ = h.Stop() })
	addr := h.listener.Addr().String()
	return h, "ws://" + addr + "/ws"
}

func dialHello(t *testing.T, url, clientName string, displayIDs []string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	hello, _ := proto.NewClientHello(clientName, displayIDs)
	require.NoError(t, conn.WriteJSON(hello))
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (proto.Envelope, interface{}) {
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, payload, err := proto.Decode(raw)
	require.NoError(t, err)
	return env, payload
}

func TestBroadcastToAllReachesEveryClient(t *testing.T) {
	h, url := startTestHub(t)
	_, _ = h.AddMonitor("Host", "", "")
	_, _ = h.AddMonitor("Actor", "", "")

	c1 := dialHello(t, url, "caster-1", []string{h.ListMonitors()[0].ID})
	defer c1.Close()
	c2 := dialHello(t, url, "caster-2", []string{h.ListMonitors()[1].ID})
	defer c2.Close()

	// drain handshake frames (server_welcome, monitor_list_sync)
	for i := 0; i < 2; i++ {
		readEnvelope(t, c1)
		readEnvelope(t, c2)
	}

	require.Eventually(t, func() bool { return len(h.ListClients()) == 2 }, time.Second, 5*time.Millisecond)

	_, err := h.SendKanpe([]string{proto.ALLSentinel}, "Start", proto.PriorityNormal)
	require.NoError(t, err)

	env1, p1 := readEnvelope(t, c1)
	assert.Equal(t, proto.MsgKanpeMessage, env1.Type)
	assert.Equal(t, "Start", p1.(proto.KanpePayload).Content)

	env2, p2 := readEnvelope(t, c2)
	assert.Equal(t, proto.MsgKanpeMessage, env2.Type)
	assert.Equal(t, "Start", p2.(proto.KanpePayload).Content)
}

func TestTargetedDeliveryReachesOnlyItsTarget(t *testing.T) {
	h, url := startTestHub(t)
	a, _ := h.AddMonitor("Host", "", "")
	b, _ := h.AddMonitor("Actor", "", "")

	c1 := dialHello(t, url, "caster-1", []string{a.ID})
	defer c1.Close()
	c2 := dialHello(t, url, "caster-2", []string{b.ID})
	defer c2.Close()
	readEnvelope(t, c1)
	readEnvelope(t, c1)
	readEnvelope(t, c2)
	readEnvelope(t, c2)

	require.Eventually(t, func() bool { return len(h.ListClients()) == 2 }, time.Second, 5*time.Millisecond)

	env, err := h.SendKanpe([]string{a.ID}, "Smile", proto.PriorityHigh)
	require.NoError(t, err)

	got1, p1 := readEnvelope(t, c1)
	assert.Equal(t, proto.MsgKanpeMessage, got1.Type)
	assert.Equal(t, env.ID, got1.ID)
	assert.Equal(t, []string{a.ID}, p1.(proto.KanpePayload).TargetMonitorIDs)

	// c2 still receives the frame (no server-side filtering) but its
	// target set does not include its own display monitor — the display
	// filter is the caster's job, exercised in pkg/session.
	got2, p2 := readEnvelope(t, c2)
	assert.Equal(t, proto.MsgKanpeMessage, got2.Type)
	assert.Equal(t, []string{a.ID}, p2.(proto.KanpePayload).TargetMonitorIDs)
}

func TestLateJoinerReceivesWelcomeThenSyncOnly(t *testing.T) {
	h, url := startTestHub(t)
	host, _ := h.AddMonitor("Host", "", "")

	conn := dialHello(t, url, "caster-1", []string{host.ID})
	defer conn.Close()

	env1, _ := readEnvelope(t, conn)
	assert.Equal(t, proto.MsgServerWelcome, env1.Type)

	env2, payload2 := readEnvelope(t, conn)
	assert.Equal(t, proto.MsgMonitorListSync, env2.Type)
	sync := payload2.(proto.MonitorListSyncPayload)
	require.Len(t, sync.Monitors, 1)
	assert.Equal(t, host.ID, sync.Monitors[0].ID)
}

func TestFeedbackRoundTripCarriesReplyToMessageID(t *testing.T) {
	h, url := startTestHub(t)

	ch, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	conn := dialHello(t, url, "Alice", nil)
	defer conn.Close()
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	// The handshake publishes client_connected before any inbound frame
	// is read, so it precedes feedback_received on the bus.
	select {
	case ev := <-ch:
		require.Equal(t, events.ClientConnected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client_connected event")
	}

	feedback, _ := proto.NewFeedbackMessage("OK", "Alice", "k1", proto.FeedbackAck)
	require.NoError(t, conn.WriteJSON(feedback))

	select {
	case ev := <-ch:
		require.Equal(t, events.FeedbackReceived, ev.Kind)
		p := ev.Payload.(proto.FeedbackPayload)
		assert.Equal(t, "k1", p.ReplyToMessageID)
		assert.Equal(t, proto.FeedbackAck, p.FeedbackType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for feedback_received event")
	}
}

func TestSlowConsumerIsolatedFromFastConsumer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboxCapacity = 8
	cfg.SlowConsumerThreshold = 3
	h := New(events.New(), cfg, nil)
	require.NoError(t, h.Start(0))
	t.Cleanup(func() { _ = h.Stop() })
	url := "ws://" + h.listener.Addr().String() + "/ws"

	fast := dialHello(t, url, "fast", nil)
	defer fast.Close()
	slow := dialHello(t, url, "slow", nil)
	defer slow.Close()

	readEnvelope(t, fast)
	readEnvelope(t, fast)
	readEnvelope(t, slow)
	readEnvelope(t, slow)

	require.Eventually(t, func() bool { return len(h.ListClients()) == 2 }, time.Second, 5*time.Millisecond)

	// slow never reads again; fast keeps draining concurrently.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _, err := fast.ReadMessage()
			if err != nil {
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := h.SendKanpe([]string{proto.ALLSentinel}, "tick", proto.PriorityNormal)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast consumer did not drain all broadcasts")
	}

	require.Eventually(t, func() bool { return len(h.ListClients()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
