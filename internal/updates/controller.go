package updates

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/messaging"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
)

type State string

const (
	StateUpToDate            State = "up-to-date"
	StateUpdateDetected      State = "update-detected"
	StateNotificationPending State = "notification-pending"
	StateNotificationShown   State = "notification-shown"
	StateUpdating            State = "updating"
	StateSnoozed             State = "snoozed"
)

// UI actions on the update notification.
const (
	ActionUpdate  = "update"
	ActionSnooze  = "snooze"
	ActionDismiss = "dismiss"
	ActionForce   = "force"
	ActionCheck   = "check"
)

// Channel is the message channel to the proxy. *messaging.Client implements it.
type Channel interface {
	Request(ctx context.Context, msg messaging.Message) (messaging.Message, error)
	Subscribe(ctx context.Context, fn func(messaging.Message)) error
}

// Snapshot is the process wide update state.
type Snapshot struct {
	State    State  `json:"state"`
	Waiting  bool   `json:"waiting"`
	Notified bool   `json:"notified"`
	Snoozed  bool   `json:"snoozed"`
	Version  string `json:"version"`
}

type ControllerParams struct {
	Channel        Channel
	Notifier       notify.Notifier
	MetricsManager *metrics.Manager
	QuietPeriod    time.Duration
	ReloadDelay    time.Duration
	SnoozeFor      time.Duration
	CheckInterval  time.Duration
}

// Controller decides when the user hears about a waiting update and drives its activation.
type Controller struct {
	channel        Channel
	notifier       notify.Notifier
	metricsManager *metrics.Manager

	quietPeriod   time.Duration
	reloadDelay   time.Duration
	snoozeFor     time.Duration
	checkInterval time.Duration

	mu        sync.Mutex
	state     State
	waiting   bool
	notified  bool
	snoozed   bool
	version   string
	focusBusy bool
	// suppressed is set when the quiet period ended while the user was typing
	suppressed  bool
	quietTimer  *time.Timer
	snoozeTimer *time.Timer
	reloadTimer *time.Timer
}

func NewController(params ControllerParams) *Controller {
	c := &Controller{
		channel:        params.Channel,
		notifier:       params.Notifier,
		metricsManager: params.MetricsManager,
		quietPeriod:    params.QuietPeriod,
		reloadDelay:    params.ReloadDelay,
		snoozeFor:      params.SnoozeFor,
		checkInterval:  params.CheckInterval,
		state:          StateUpToDate,
	}
	if c.quietPeriod <= 0 {
		c.quietPeriod = 10 * time.Second
	}
	if c.reloadDelay <= 0 {
		c.reloadDelay = 2 * time.Second
	}
	if c.snoozeFor <= 0 {
		c.snoozeFor = time.Hour
	}
	if c.checkInterval <= 0 {
		c.checkInterval = 30 * time.Minute
	}
	return c
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:    c.state,
		Waiting:  c.waiting,
		Notified: c.notified,
		Snoozed:  c.snoozed,
		Version:  c.version,
	}
}

func (c *Controller) publish(ev notify.Event) {
	if c.notifier != nil {
		c.notifier.Publish(ev)
	}
}

// setState must be called with mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	log.Debugf("updates: %s -> %s", c.state, s)
	c.state = s
	if c.metricsManager != nil {
		c.metricsManager.CounterUpdateTransitions.WithLabelValues(string(s)).Inc()
	}
}

func isBusyElement(tag string) bool {
	switch strings.ToUpper(strings.TrimSpace(tag)) {
	case "INPUT", "TEXTAREA", "SELECT":
		return true
	}
	return false
}

// HandleUpdateAvailable records a waiting generation and starts the quiet period.
// While a notification is pending, shown, snoozed or being applied it is a no-op.
func (c *Controller) HandleUpdateAvailable(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.waiting = true
	switch c.state {
	case StateUpToDate, StateUpdateDetected:
		log.Infof("updates: version %s is waiting", version)
		c.setState(StateUpdateDetected)
		c.scheduleQuietLocked()
	}
}

func (c *Controller) scheduleQuietLocked() {
	c.suppressed = false
	c.setState(StateNotificationPending)
	if c.quietTimer != nil {
		c.quietTimer.Stop()
	}
	c.quietTimer = time.AfterFunc(c.quietPeriod, c.evaluate)
}

// evaluate runs once the quiet period is over. A busy UI suppresses the notification
// without rescheduling; the next external trigger evaluates again.
func (c *Controller) evaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNotificationPending {
		return
	}
	if !c.waiting {
		c.setState(StateUpToDate)
		return
	}
	if c.focusBusy {
		log.Debugf("updates: user is typing, notification suppressed")
		c.suppressed = true
		c.setState(StateUpdateDetected)
		return
	}
	c.showLocked()
}

func (c *Controller) showLocked() {
	if c.notified {
		return
	}
	c.notified = true
	c.snoozed = false
	c.setState(StateNotificationShown)
	c.publish(notify.Update(string(StateNotificationShown), true, notify.MsgUpdateAvailableTitle, notify.MsgUpdateAvailable))
}

// SetFocus records the tag of the focused UI element. Focus leaving an input
// re-evaluates a suppressed notification; a dismissed one stays hidden.
func (c *Controller) SetFocus(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.focusBusy = isBusyElement(tag)
	if !c.focusBusy && c.suppressed && c.waiting && c.state == StateUpdateDetected {
		c.scheduleQuietLocked()
	}
}

// CheckForUpdates asks the proxy for a waiting generation and the current version.
// A channel timeout keeps the last known version and is not an error.
func (c *Controller) CheckForUpdates(ctx context.Context) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "updates.controller.check")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	reply, err := c.channel.Request(ctx, messaging.Message{Type: messaging.TypeCheckUpdate})
	switch {
	case errors.Is(err, messaging.ErrTimeout):
		log.Warnf("updates: check timed out, keeping version %q", c.Snapshot().Version)
	case err != nil:
		return err
	case reply.Waiting:
		c.HandleUpdateAvailable(reply.Version)
	}

	versionReply, err := c.channel.Request(ctx, messaging.Message{Type: messaging.TypeGetVersion})
	if errors.Is(err, messaging.ErrTimeout) {
		log.Warnf("updates: version request timed out, keeping %q", c.Snapshot().Version)
		return nil
	}
	if err != nil {
		return err
	}
	if versionReply.Version != "" {
		c.mu.Lock()
		c.version = versionReply.Version
		c.mu.Unlock()
	}
	return nil
}

// ApplyUpdate activates the waiting generation and reloads the UI after the reload
// delay. With nothing waiting it reloads right away.
func (c *Controller) ApplyUpdate(ctx context.Context) error {
	c.mu.Lock()
	waiting := c.waiting
	c.mu.Unlock()

	if !waiting {
		c.publish(notify.Reload())
		return nil
	}

	reply, err := c.channel.Request(ctx, messaging.Message{Type: messaging.TypeSkipWaiting})
	if err != nil {
		// the reload still picks up whatever generation is active
		log.Errorf("updates: skip waiting: %s", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateUpdating)
	c.publish(notify.Update(string(StateUpdating), true, notify.MsgUpdatingTitle, notify.MsgUpdating))
	if c.reloadTimer != nil {
		c.reloadTimer.Stop()
	}
	newVersion := reply.Version
	c.reloadTimer = time.AfterFunc(c.reloadDelay, func() {
		c.mu.Lock()
		c.resetLocked()
		if newVersion != "" {
			c.version = newVersion
		}
		c.mu.Unlock()
		c.publish(notify.Reload())
	})
	return err
}

// resetLocked returns to up-to-date, as after a page reload.
func (c *Controller) resetLocked() {
	c.stopTimersLocked()
	c.waiting = false
	c.notified = false
	c.snoozed = false
	c.suppressed = false
	c.setState(StateUpToDate)
}

func (c *Controller) stopTimersLocked() {
	for _, t := range []*time.Timer{c.quietTimer, c.snoozeTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// Dismiss hides the notification. The update stays pending but unadvertised.
func (c *Controller) Dismiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dismissLocked()
}

func (c *Controller) dismissLocked() {
	c.suppressed = false
	if c.notified {
		c.notified = false
		c.publish(notify.Update(string(StateUpdateDetected), false, "", ""))
	}
	if c.state == StateNotificationShown || c.state == StateNotificationPending {
		c.setState(StateUpdateDetected)
	}
}

// Snooze dismisses the notification and shows it again after the snooze interval
// if the update is still pending.
func (c *Controller) Snooze() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dismissLocked()
	c.snoozed = true
	c.setState(StateSnoozed)
	if c.snoozeTimer != nil {
		c.snoozeTimer.Stop()
	}
	c.snoozeTimer = time.AfterFunc(c.snoozeFor, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateSnoozed {
			return
		}
		c.snoozed = false
		if !c.waiting {
			c.setState(StateUpToDate)
			return
		}
		c.showLocked()
	})
}

// ForceUpdate clears every cache generation and reloads, skipping the staged flow.
func (c *Controller) ForceUpdate(ctx context.Context) error {
	_, err := c.channel.Request(ctx, messaging.Message{Type: messaging.TypeForceReset})
	if err != nil {
		log.Errorf("updates: force reset: %s", err)
	}

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.publish(notify.Reload())
	return err
}

// HandleUIMessage applies focus changes and notification actions sent by the UI.
func (c *Controller) HandleUIMessage(ctx context.Context, msg notify.UIMessage) {
	switch msg.Type {
	case notify.UIFocus:
		c.SetFocus(msg.Element)
	case notify.UIUpdateAction:
		var err error
		switch msg.Action {
		case ActionUpdate:
			err = c.ApplyUpdate(ctx)
		case ActionSnooze:
			c.Snooze()
		case ActionDismiss:
			c.Dismiss()
		case ActionForce:
			err = c.ForceUpdate(ctx)
		case ActionCheck:
			err = c.CheckForUpdates(ctx)
		default:
			log.Debugf("updates: unknown action %q", msg.Action)
		}
		if err != nil {
			log.Errorf("updates: %s: %s", msg.Action, err)
		}
	}
}

// Run checks for updates now and every check interval, and listens for
// UPDATE_AVAILABLE pushes, until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.listen(ctx)
	}()

	if err := c.CheckForUpdates(ctx); err != nil {
		log.Errorf("updates: check: %s", err)
	}

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.mu.Lock()
			c.stopTimersLocked()
			if c.reloadTimer != nil {
				c.reloadTimer.Stop()
			}
			c.mu.Unlock()
			return
		case <-ticker.C:
			if err := c.CheckForUpdates(ctx); err != nil {
				log.Errorf("updates: periodic check: %s", err)
			}
		}
	}
}

func (c *Controller) listen(ctx context.Context) {
	for {
		err := c.channel.Subscribe(ctx, func(msg messaging.Message) {
			if msg.Type == messaging.TypeUpdateAvailable {
				c.HandleUpdateAvailable(msg.Version)
			}
		})
		if ctx.Err() != nil {
			return
		}
		log.Debugf("updates: subscription ended: %v, retrying", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
