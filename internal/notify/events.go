package notify

import (
	"time"

	"github.com/2beens/fitsync/internal/offline"
)

type EventType string

const (
	EventToast         EventType = "toast"
	EventRender        EventType = "render"
	EventStatus        EventType = "status"
	EventBanner        EventType = "banner"
	EventUpdate        EventType = "update"
	EventReload        EventType = "reload"
	EventInstallPrompt EventType = "install-prompt"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is pushed to every connected UI. Status, banner and update events are sticky:
// a new subscriber first receives the last one of each.
type Event struct {
	Type      EventType         `json:"type"`
	Level     Level             `json:"level,omitempty"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message,omitempty"`
	EntryType offline.EntryType `json:"entryType,omitempty"`
	Data      any               `json:"data,omitempty"`
	Online    *bool             `json:"online,omitempty"`
	Visible   *bool             `json:"visible,omitempty"`
	State     string            `json:"state,omitempty"`
	Time      time.Time         `json:"time"`
}

// Notifier is the hook the sync core uses to reach the UI.
type Notifier interface {
	Publish(ev Event)
}

func boolPtr(b bool) *bool {
	return &b
}

func Toast(level Level, message string) Event {
	return Event{Type: EventToast, Level: level, Message: message}
}

// Render asks the UI to append a locally saved entry without a reload.
func Render(record offline.LocalRecord) Event {
	return Event{Type: EventRender, EntryType: record.Type, Data: record}
}

func Status(online bool) Event {
	return Event{Type: EventStatus, Online: boolPtr(online)}
}

// Banner shows or clears the offline banner.
func Banner(visible bool, message string) Event {
	return Event{Type: EventBanner, Visible: boolPtr(visible), Message: message}
}

func Update(state string, visible bool, title, message string) Event {
	return Event{Type: EventUpdate, State: state, Visible: boolPtr(visible), Title: title, Message: message}
}

func Reload() Event {
	return Event{Type: EventReload}
}

func InstallPrompt(visible bool) Event {
	return Event{Type: EventInstallPrompt, Visible: boolPtr(visible)}
}

// Messages shown to the user.
const (
	MsgSyncComplete  = "Offline data has been synced successfully!"
	MsgOfflineBanner = "You are offline. Data will be saved locally and synced when you reconnect."
	MsgSavedLocally  = "%s entry saved locally. Will sync when online."
	MsgSaveFailed    = "Could not save %s entry locally. Please try again."

	MsgUpdateAvailableTitle = "Update Available"
	MsgUpdateAvailable      = "A new version of the Fitness App is available with improvements and bug fixes."
	MsgUpdatingTitle        = "Updating..."
	MsgUpdating             = "Please wait while we update your app."
)

// QueueRefresher turns queue writes into render events so the UI shows fresh
// data without a reload. Register it with offline.Queue.OnChange.
func QueueRefresher(n Notifier) func(offline.Change) {
	return func(change offline.Change) {
		switch change.Kind {
		case offline.ChangeRecordAdded:
			if change.Record != nil {
				n.Publish(Render(*change.Record))
			}
		case offline.ChangeMutationQueued, offline.ChangeMutationRemoved:
			n.Publish(Event{
				Type:  EventRender,
				State: string(change.Kind),
				Data:  map[string]int64{"mutationId": change.MutationID},
			})
		}
	}
}
