package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestHub_PublishAndStickyReplay(t *testing.T) {
	metricsManager := metrics.NewTestManager()
	hub := NewHub(metricsManager)

	hub.Publish(Status(false))
	hub.Publish(Banner(true, MsgOfflineBanner))
	hub.Publish(Toast(LevelInfo, "not sticky"))

	sub := hub.Subscribe()
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsManager.GaugeEventSubscribers))

	ev := receive(t, sub)
	assert.Equal(t, EventStatus, ev.Type)
	require.NotNil(t, ev.Online)
	assert.False(t, *ev.Online)
	assert.False(t, ev.Time.IsZero())

	ev = receive(t, sub)
	assert.Equal(t, EventBanner, ev.Type)
	assert.Equal(t, MsgOfflineBanner, ev.Message)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}

	hub.Publish(Toast(LevelSuccess, MsgSyncComplete))
	ev = receive(t, sub)
	assert.Equal(t, EventToast, ev.Type)
	assert.Equal(t, LevelSuccess, ev.Level)

	last, ok := hub.Last(EventStatus)
	require.True(t, ok)
	assert.False(t, *last.Online)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscribersCount())
	assert.Equal(t, float64(0), testutil.ToFloat64(metricsManager.GaugeEventSubscribers))
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	hub.bufferSize = 2
	sub := hub.Subscribe()

	for i := 0; i < 5; i++ {
		hub.Publish(Toast(LevelInfo, "x"))
	}
	assert.Len(t, sub.ch, 2)
}

func TestHub_HandleInbound(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe()

	var got []UIMessage
	hub.OnInbound(func(msg UIMessage) {
		got = append(got, msg)
	})

	hub.HandleInbound(UIMessage{Type: UIInstall, Event: InstallBeforePrompt})
	ev := receive(t, sub)
	assert.Equal(t, EventInstallPrompt, ev.Type)
	assert.True(t, *ev.Visible)

	hub.HandleInbound(UIMessage{Type: UIInstall, Event: InstallInstalled})
	ev = receive(t, sub)
	assert.False(t, *ev.Visible)

	hub.HandleInbound(UIMessage{Type: UIFocus, Element: "INPUT"})
	require.Len(t, got, 3)
	assert.Equal(t, "INPUT", got[2].Element)
}

func TestEvents_Render(t *testing.T) {
	record := offline.LocalRecord{ID: 3, Type: offline.EntryExercise, Data: offline.Payload{"exercise-name": "Squat"}}
	ev := Render(record)
	assert.Equal(t, EventRender, ev.Type)
	assert.Equal(t, offline.EntryExercise, ev.EntryType)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"render"`)
	assert.Contains(t, string(raw), `"entryType":"exercise"`)
	assert.NotContains(t, string(raw), `"online"`)
}

func TestQueueRefresher(t *testing.T) {
	hub := NewHub(metrics.NewTestManager())
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	refresh := QueueRefresher(hub)
	record := &offline.LocalRecord{ID: 7, Type: offline.EntryFood, Data: offline.Payload{"food-name": "Apple"}}
	refresh(offline.Change{Kind: offline.ChangeRecordAdded, Record: record})
	refresh(offline.Change{Kind: offline.ChangeMutationQueued, MutationID: 4})
	// a record change without the record is ignored
	refresh(offline.Change{Kind: offline.ChangeRecordAdded})
	refresh(offline.Change{Kind: offline.ChangeMutationRemoved, MutationID: 4})

	ev := receive(t, sub)
	assert.Equal(t, EventRender, ev.Type)
	assert.Equal(t, offline.EntryFood, ev.EntryType)

	ev = receive(t, sub)
	assert.Equal(t, string(offline.ChangeMutationQueued), ev.State)
	assert.Equal(t, map[string]int64{"mutationId": 4}, ev.Data)

	ev = receive(t, sub)
	assert.Equal(t, string(offline.ChangeMutationRemoved), ev.State)
}

func TestHub_WebSocketHandler(t *testing.T) {
	hub := NewHub(metrics.NewTestManager())
	hub.Publish(Status(true))

	inbound := make(chan UIMessage, 1)
	hub.OnInbound(func(msg UIMessage) {
		inbound <- msg
	})

	server := httptest.NewServer(hub.WebSocketHandler([]string{"http://localhost:8090"}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	// foreign origin rejected
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:8090"}})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventStatus, ev.Type)
	assert.True(t, *ev.Online)

	hub.Publish(Toast(LevelInfo, "hello"))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "hello", ev.Message)

	require.NoError(t, conn.WriteJSON(UIMessage{Type: UIConnectivity, Online: boolPtr(false)}))
	select {
	case msg := <-inbound:
		assert.Equal(t, UIConnectivity, msg.Type)
		assert.False(t, *msg.Online)
	case <-time.After(time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestHub_WebSocketSlowHandlerDoesNotHoldConnection(t *testing.T) {
	hub := NewHub(metrics.NewTestManager())

	started := make(chan struct{})
	release := make(chan struct{})
	handled := make(chan UIMessage, 2)
	hub.OnInbound(func(msg UIMessage) {
		if msg.Type == UIConnectivity {
			close(started)
			<-release
		}
		handled <- msg
	})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	server := httptest.NewServer(hub.WebSocketHandler([]string{"*"}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.SubscribersCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(UIMessage{Type: UIConnectivity, Online: boolPtr(true)}))
	require.NoError(t, conn.WriteJSON(UIMessage{Type: UIFocus, Element: "BUTTON"}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("connectivity message not dispatched")
	}

	// the handler is still busy, closing the client ends the stream anyway
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.SubscribersCount() == 0 }, time.Second, 5*time.Millisecond)

	// queued messages are still handled in order
	close(release)
	for _, expected := range []string{UIConnectivity, UIFocus} {
		select {
		case msg := <-handled:
			assert.Equal(t, expected, msg.Type)
		case <-time.After(time.Second):
			t.Fatalf("%s message not handled", expected)
		}
	}
}
