package offline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Queue is the persistent queue store used by both the agent and the proxy.
// Every successful write notifies the registered change listeners.
type Queue struct {
	repo           Repo
	metricsManager *metrics.Manager
	now            func() time.Time

	listenersMu sync.RWMutex
	listeners   []func(Change)
}

func NewQueue(repo Repo, metricsManager *metrics.Manager) *Queue {
	return &Queue{
		repo:           repo,
		metricsManager: metricsManager,
		now:            time.Now,
	}
}

// OnChange registers a refresh callback invoked after each successful write.
func (q *Queue) OnChange(fn func(Change)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) notify(change Change) {
	q.listenersMu.RLock()
	listeners := make([]func(Change), len(q.listeners))
	copy(listeners, q.listeners)
	q.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func (q *Queue) EnqueueMutation(ctx context.Context, url, method string, payload Payload) (_ int64, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "offline.queue.enqueue")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	if method == "" {
		method = http.MethodPost
	}
	if payload == nil {
		payload = Payload{}
	}

	id, err := q.repo.AddMutation(ctx, PendingMutation{
		URL:       url,
		Method:    method,
		Payload:   payload,
		Timestamp: q.now().UTC(),
		Synced:    false,
	})
	if err != nil {
		return 0, storageErr("enqueue mutation", err)
	}
	span.SetAttributes(attribute.Int64("mutation.id", id), attribute.String("mutation.url", url))

	if q.metricsManager != nil {
		q.metricsManager.CounterQueuedMutations.Inc()
		q.metricsManager.GaugePendingMutations.Inc()
	}
	log.Debugf("offline queue: mutation [%d] %s %s queued", id, method, url)

	q.notify(Change{Kind: ChangeMutationQueued, MutationID: id})
	return id, nil
}

// ListMutations returns all pending mutations in insertion order.
func (q *Queue) ListMutations(ctx context.Context) (_ []PendingMutation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "offline.queue.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	mutations, err := q.repo.ListMutations(ctx)
	if err != nil {
		return nil, storageErr("list mutations", err)
	}
	span.SetAttributes(attribute.Int("mutations.count", len(mutations)))
	return mutations, nil
}

// RemoveMutation deletes a mutation. Removing an unknown id is not an error.
func (q *Queue) RemoveMutation(ctx context.Context, id int64) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "offline.queue.remove")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()
	span.SetAttributes(attribute.Int64("mutation.id", id))

	if err := q.repo.DeleteMutation(ctx, id); err != nil {
		return storageErr(fmt.Sprintf("remove mutation %d", id), err)
	}

	q.refreshPendingGauge(ctx)
	q.notify(Change{Kind: ChangeMutationRemoved, MutationID: id})
	return nil
}

func (q *Queue) RecordLocalEntry(ctx context.Context, entryType EntryType, data Payload) (_ int64, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "offline.queue.recordLocal")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()
	span.SetAttributes(attribute.String("record.type", string(entryType)))

	if _, err := ParseEntryType(string(entryType)); err != nil {
		return 0, err
	}
	if data == nil {
		data = Payload{}
	}

	now := q.now().UTC()
	record := LocalRecord{
		Type:      entryType,
		Data:      data,
		Date:      now,
		Timestamp: now,
	}
	id, err := q.repo.AddRecord(ctx, record)
	if err != nil {
		return 0, storageErr("record local entry", err)
	}
	record.ID = id

	if q.metricsManager != nil {
		q.metricsManager.CounterLocalRecords.WithLabelValues(string(entryType)).Inc()
	}

	q.notify(Change{Kind: ChangeRecordAdded, Record: &record})
	return id, nil
}

func (q *Queue) ListLocalEntries(ctx context.Context, filter RecordFilter) (_ []LocalRecord, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "offline.queue.listLocal")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	records, err := q.repo.ListRecords(ctx, filter)
	if err != nil {
		return nil, storageErr("list local entries", err)
	}
	return records, nil
}

func (q *Queue) MutationsBetween(ctx context.Context, from, to time.Time) (_ []PendingMutation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "offline.queue.between")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	mutations, err := q.repo.MutationsBetween(ctx, from, to)
	if err != nil {
		return nil, storageErr("mutations between", err)
	}
	return mutations, nil
}

func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	count, err := q.repo.PendingCount(ctx)
	if err != nil {
		return 0, storageErr("pending count", err)
	}
	return count, nil
}

func (q *Queue) ClaimMutation(ctx context.Context, id int64, claimant string, lease time.Duration) (bool, error) {
	claimed, err := q.repo.ClaimMutation(ctx, id, claimant, lease)
	if err != nil {
		return false, storageErr(fmt.Sprintf("claim mutation %d", id), err)
	}
	return claimed, nil
}

func (q *Queue) ReleaseMutation(ctx context.Context, id int64, claimant string) error {
	if err := q.repo.ReleaseMutation(ctx, id, claimant); err != nil {
		return storageErr(fmt.Sprintf("release mutation %d", id), err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.repo.Close()
}

func (q *Queue) refreshPendingGauge(ctx context.Context) {
	if q.metricsManager == nil {
		return
	}
	count, err := q.repo.PendingCount(ctx)
	if err != nil {
		log.Warnf("offline queue: pending count: %s", err)
		return
	}
	q.metricsManager.GaugePendingMutations.Set(float64(count))
}
