package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/syncer"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/internal/updates"
	"github.com/2beens/fitsync/pkg"

	log "github.com/sirupsen/logrus"
)

type connectivityState interface {
	Online() bool
}

type drainer interface {
	Drain(ctx context.Context, trigger string) (syncer.Result, error)
}

type updateController interface {
	Snapshot() updates.Snapshot
	CheckForUpdates(ctx context.Context) error
	ForceUpdate(ctx context.Context) error
}

type subscriberCounter interface {
	SubscribersCount() int
}

type Handler struct {
	queue       *offline.Queue
	monitor     connectivityState
	drainer     drainer
	updates     updateController
	hub         subscriberCounter
	versionInfo string
}

func NewHandler(
	queue *offline.Queue,
	monitor connectivityState,
	drainer drainer,
	updates updateController,
	hub subscriberCounter,
	versionInfo string,
) *Handler {
	return &Handler{
		queue:       queue,
		monitor:     monitor,
		drainer:     drainer,
		updates:     updates,
		hub:         hub,
		versionInfo: versionInfo,
	}
}

type statusResponse struct {
	Online      bool             `json:"online"`
	Pending     int              `json:"pending"`
	Update      updates.Snapshot `json:"update"`
	Subscribers int              `json:"subscribers"`
	Version     string           `json:"version,omitempty"`
}

func (h *Handler) HandlePing(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, "pong")
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.queue.PendingCount(r.Context())
	if err != nil {
		log.Errorf("status: pending count: %s", err)
		http.Error(w, "failed to read queue", http.StatusInternalServerError)
		return
	}

	pkg.WriteJSONResponse(w, statusResponse{
		Online:      h.monitor.Online(),
		Pending:     pending,
		Update:      h.updates.Snapshot(),
		Subscribers: h.hub.SubscribersCount(),
		Version:     h.versionInfo,
	}, http.StatusOK)
}

// parseTimeParam accepts RFC 3339 timestamps and plain dates.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

// HandleEntries lists locally recorded entries, optionally filtered by
// ?type=food|calories|exercise and a from/to timestamp range.
func (h *Handler) HandleEntries(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "agent.handler.entries")
	defer span.End()

	q := r.URL.Query()
	var filter offline.RecordFilter
	if t := q.Get("type"); t != "" {
		entryType, err := offline.ParseEntryType(t)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Type = entryType
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}

	records, err := h.queue.ListLocalEntries(ctx, filter)
	if err != nil {
		log.Errorf("list local entries: %s", err)
		http.Error(w, "failed to list entries", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []offline.LocalRecord{}
	}
	pkg.WriteJSONResponse(w, records, http.StatusOK)
}

func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	mutations, err := h.queue.ListMutations(r.Context())
	if err != nil {
		log.Errorf("list pending mutations: %s", err)
		http.Error(w, "failed to list queue", http.StatusInternalServerError)
		return
	}
	if mutations == nil {
		mutations = []offline.PendingMutation{}
	}
	pkg.WriteJSONResponse(w, mutations, http.StatusOK)
}

// HandleSync drains the queue on demand. Refused while offline or while another drain runs.
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.Online() {
		http.Error(w, "offline", http.StatusConflict)
		return
	}

	res, err := h.drainer.Drain(r.Context(), syncer.TriggerManual)
	switch {
	case errors.Is(err, syncer.ErrDrainInProgress):
		http.Error(w, "sync already in progress", http.StatusConflict)
		return
	case err != nil:
		log.Errorf("manual sync: %s", err)
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}
	pkg.WriteJSONResponse(w, res.Summary(), http.StatusOK)
}

func (h *Handler) HandleUpdatesCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.updates.CheckForUpdates(r.Context()); err != nil {
		log.Errorf("check for updates: %s", err)
		http.Error(w, "update check failed", http.StatusBadGateway)
		return
	}
	pkg.WriteJSONResponse(w, h.updates.Snapshot(), http.StatusOK)
}

func (h *Handler) HandleUpdatesForce(w http.ResponseWriter, r *http.Request) {
	if err := h.updates.ForceUpdate(r.Context()); err != nil {
		log.Errorf("force update: %s", err)
		http.Error(w, "force update failed", http.StatusBadGateway)
		return
	}
	pkg.WriteJSONResponse(w, h.updates.Snapshot(), http.StatusOK)
}
