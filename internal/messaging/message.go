package messaging

import (
	"encoding/json"
	"errors"
)

// ErrTimeout means no reply arrived in time. Callers treat it as "unknown", never fatal.
var ErrTimeout = errors.New("message channel timeout")

type Type string

const (
	TypeGetVersion      Type = "GET_VERSION"
	TypeVersionInfo     Type = "VERSION_INFO"
	TypeSkipWaiting     Type = "SKIP_WAITING"
	TypeCheckUpdate     Type = "CHECK_UPDATE"
	TypeUpdateAvailable Type = "UPDATE_AVAILABLE"
	TypeSync            Type = "SYNC"
	TypeForceReset      Type = "FORCE_RESET"
	TypeSubscribe       Type = "SUBSCRIBE"
	TypeAck             Type = "ACK"
	TypeError           Type = "ERROR"
)

// SyncTagFitnessData is the background sync tag that triggers a queue drain.
const SyncTagFitnessData = "sync-fitness-data"

// Message is one JSON line on the channel. Replies carry the request ID.
type Message struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Tag     string          `json:"tag,omitempty"`
	Version string          `json:"version,omitempty"`
	Waiting bool            `json:"waiting,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	if m.Error == "" {
		return errors.New("remote error")
	}
	return errors.New(m.Error)
}

func ErrorReply(req Message, err error) Message {
	return Message{Type: TypeError, ID: req.ID, Error: err.Error()}
}
