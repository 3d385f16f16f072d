package updates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/messaging"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChannel struct {
	mu       sync.Mutex
	requests []messaging.Type
	waiting  bool
	version  string
	timeout  bool
	pushes   chan messaging.Message
}

func newFakeChannel(version string) *fakeChannel {
	return &fakeChannel{version: version, pushes: make(chan messaging.Message, 4)}
}

func (f *fakeChannel) Request(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, msg.Type)

	if f.timeout {
		return messaging.Message{}, messaging.ErrTimeout
	}
	switch msg.Type {
	case messaging.TypeGetVersion:
		return messaging.Message{Type: messaging.TypeVersionInfo, Version: f.version}, nil
	case messaging.TypeCheckUpdate:
		return messaging.Message{Type: messaging.TypeAck, Waiting: f.waiting, Version: "v2"}, nil
	case messaging.TypeSkipWaiting:
		f.waiting = false
		f.version = "v2"
		return messaging.Message{Type: messaging.TypeAck, Version: "v2"}, nil
	case messaging.TypeForceReset:
		return messaging.Message{Type: messaging.TypeAck, Version: f.version}, nil
	}
	return messaging.Message{}, errors.New("unexpected")
}

func (f *fakeChannel) Subscribe(ctx context.Context, fn func(messaging.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-f.pushes:
			fn(msg)
		}
	}
}

func (f *fakeChannel) sent() []messaging.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.Type(nil), f.requests...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) ofType(t notify.EventType) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (n *recordingNotifier) shownCount() int {
	count := 0
	for _, ev := range n.ofType(notify.EventUpdate) {
		if ev.Visible != nil && *ev.Visible && ev.State == string(StateNotificationShown) {
			count++
		}
	}
	return count
}

const quiet = 30 * time.Millisecond

func newTestController(channel Channel) (*Controller, *recordingNotifier, *metrics.Manager) {
	notifier := &recordingNotifier{}
	metricsManager := metrics.NewTestManager()
	c := NewController(ControllerParams{
		Channel:        channel,
		Notifier:       notifier,
		MetricsManager: metricsManager,
		QuietPeriod:    quiet,
		ReloadDelay:    20 * time.Millisecond,
		SnoozeFor:      50 * time.Millisecond,
		CheckInterval:  time.Hour,
	})
	return c, notifier, metricsManager
}

func stateIs(c *Controller, s State) func() bool {
	return func() bool { return c.Snapshot().State == s }
}

func TestController_ShowsAfterQuietPeriod(t *testing.T) {
	c, notifier, metricsManager := newTestController(newFakeChannel("v1"))

	c.HandleUpdateAvailable("v2")
	snap := c.Snapshot()
	assert.Equal(t, StateNotificationPending, snap.State)
	assert.True(t, snap.Waiting)
	assert.Zero(t, notifier.shownCount())

	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)
	assert.True(t, c.Snapshot().Notified)
	assert.Equal(t, 1, notifier.shownCount())

	shown := notifier.ofType(notify.EventUpdate)[0]
	assert.Equal(t, notify.MsgUpdateAvailableTitle, shown.Title)
	assert.Equal(t, notify.MsgUpdateAvailable, shown.Message)

	// a second push does not show it twice
	c.HandleUpdateAvailable("v2")
	time.Sleep(2 * quiet)
	assert.Equal(t, 1, notifier.shownCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsManager.CounterUpdateTransitions.WithLabelValues(string(StateNotificationShown))))
}

func TestController_SuppressedWhileTyping(t *testing.T) {
	c, notifier, _ := newTestController(newFakeChannel("v1"))

	c.SetFocus("input")
	c.HandleUpdateAvailable("v2")

	require.Eventually(t, stateIs(c, StateUpdateDetected), time.Second, 5*time.Millisecond)
	assert.Zero(t, notifier.shownCount())

	// not rescheduled by itself
	time.Sleep(3 * quiet)
	assert.Equal(t, StateUpdateDetected, c.Snapshot().State)
	assert.Zero(t, notifier.shownCount())

	// moving between inputs keeps it suppressed
	c.SetFocus("SELECT")
	assert.Equal(t, StateUpdateDetected, c.Snapshot().State)

	c.SetFocus("BUTTON")
	assert.Equal(t, StateNotificationPending, c.Snapshot().State)
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, notifier.shownCount())
}

func TestController_ApplyUpdate(t *testing.T) {
	channel := newFakeChannel("v1")
	c, notifier, _ := newTestController(channel)

	c.HandleUpdateAvailable("v2")
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)

	require.NoError(t, c.ApplyUpdate(context.Background()))
	assert.Equal(t, StateUpdating, c.Snapshot().State)
	assert.Contains(t, channel.sent(), messaging.TypeSkipWaiting)

	updating := notifier.ofType(notify.EventUpdate)
	last := updating[len(updating)-1]
	assert.Equal(t, notify.MsgUpdatingTitle, last.Title)
	assert.Equal(t, notify.MsgUpdating, last.Message)
	assert.Empty(t, notifier.ofType(notify.EventReload))

	require.Eventually(t, func() bool {
		return len(notifier.ofType(notify.EventReload)) == 1
	}, time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, StateUpToDate, snap.State)
	assert.False(t, snap.Waiting)
	assert.Equal(t, "v2", snap.Version)
}

func TestController_ApplyWithoutWaitingReloadsImmediately(t *testing.T) {
	channel := newFakeChannel("v1")
	c, notifier, _ := newTestController(channel)

	require.NoError(t, c.ApplyUpdate(context.Background()))
	assert.Len(t, notifier.ofType(notify.EventReload), 1)
	assert.Empty(t, channel.sent())
}

func TestController_SnoozeShowsAgain(t *testing.T) {
	c, notifier, _ := newTestController(newFakeChannel("v1"))

	c.HandleUpdateAvailable("v2")
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)

	c.Snooze()
	snap := c.Snapshot()
	assert.Equal(t, StateSnoozed, snap.State)
	assert.True(t, snap.Snoozed)
	assert.False(t, snap.Notified)

	// pushes while snoozed are ignored
	c.HandleUpdateAvailable("v2")
	assert.Equal(t, StateSnoozed, c.Snapshot().State)

	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, notifier.shownCount())
	assert.False(t, c.Snapshot().Snoozed)
}

func TestController_DismissReturnsToDetected(t *testing.T) {
	channel := newFakeChannel("v1")
	c, notifier, _ := newTestController(channel)

	c.HandleUpdateAvailable("v2")
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)

	c.Dismiss()
	snap := c.Snapshot()
	assert.Equal(t, StateUpdateDetected, snap.State)
	assert.True(t, snap.Waiting)
	assert.False(t, snap.Notified)

	hidden := notifier.ofType(notify.EventUpdate)
	assert.False(t, *hidden[len(hidden)-1].Visible)

	// the next periodic check advertises it again
	channel.mu.Lock()
	channel.waiting = true
	channel.mu.Unlock()
	require.NoError(t, c.CheckForUpdates(context.Background()))
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, notifier.shownCount())
}

func TestController_DismissedStaysHiddenOnFocusChange(t *testing.T) {
	c, notifier, _ := newTestController(newFakeChannel("v1"))

	c.HandleUpdateAvailable("v2")
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)

	c.Dismiss()
	c.SetFocus("BUTTON")
	assert.Equal(t, StateUpdateDetected, c.Snapshot().State)

	time.Sleep(3 * quiet)
	assert.Equal(t, StateUpdateDetected, c.Snapshot().State)
	assert.Equal(t, 1, notifier.shownCount())
}

func TestController_CheckForUpdates(t *testing.T) {
	channel := newFakeChannel("v1")
	c, _, _ := newTestController(channel)
	ctx := context.Background()

	require.NoError(t, c.CheckForUpdates(ctx))
	snap := c.Snapshot()
	assert.Equal(t, "v1", snap.Version)
	assert.Equal(t, StateUpToDate, snap.State)

	channel.mu.Lock()
	channel.waiting = true
	channel.mu.Unlock()
	require.NoError(t, c.CheckForUpdates(ctx))
	assert.Equal(t, StateNotificationPending, c.Snapshot().State)
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)
}

func TestController_CheckTimeoutKeepsVersion(t *testing.T) {
	channel := newFakeChannel("v1")
	c, _, _ := newTestController(channel)
	ctx := context.Background()

	require.NoError(t, c.CheckForUpdates(ctx))
	channel.mu.Lock()
	channel.timeout = true
	channel.version = "v9"
	channel.mu.Unlock()

	require.NoError(t, c.CheckForUpdates(ctx))
	assert.Equal(t, "v1", c.Snapshot().Version)
}

func TestController_ForceUpdate(t *testing.T) {
	channel := newFakeChannel("v1")
	c, notifier, _ := newTestController(channel)

	c.HandleUpdateAvailable("v2")
	require.NoError(t, c.ForceUpdate(context.Background()))

	assert.Contains(t, channel.sent(), messaging.TypeForceReset)
	assert.Len(t, notifier.ofType(notify.EventReload), 1)
	assert.Equal(t, StateUpToDate, c.Snapshot().State)

	// the cancelled quiet period never shows anything
	time.Sleep(2 * quiet)
	assert.Zero(t, notifier.shownCount())
}

func TestController_HandleUIMessage(t *testing.T) {
	channel := newFakeChannel("v1")
	c, notifier, _ := newTestController(channel)
	ctx := context.Background()

	c.HandleUIMessage(ctx, notify.UIMessage{Type: notify.UIFocus, Element: "TEXTAREA"})
	c.HandleUpdateAvailable("v2")
	require.Eventually(t, stateIs(c, StateUpdateDetected), time.Second, 5*time.Millisecond)

	c.HandleUIMessage(ctx, notify.UIMessage{Type: notify.UIFocus, Element: "BODY"})
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)

	c.HandleUIMessage(ctx, notify.UIMessage{Type: notify.UIUpdateAction, Action: ActionDismiss})
	assert.Equal(t, StateUpdateDetected, c.Snapshot().State)

	c.HandleUIMessage(ctx, notify.UIMessage{Type: notify.UIUpdateAction, Action: ActionUpdate})
	require.Eventually(t, func() bool {
		return len(notifier.ofType(notify.EventReload)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestController_RunListensForPushes(t *testing.T) {
	channel := newFakeChannel("v1")
	c, _, _ := newTestController(channel)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return c.Snapshot().Version == "v1"
	}, time.Second, 5*time.Millisecond)

	channel.pushes <- messaging.Message{Type: messaging.TypeUpdateAvailable, Version: "v2"}
	require.Eventually(t, stateIs(c, StateNotificationShown), time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
