// Package leveldbrepo keeps the offline queue in a local goleveldb database
// (the FitnessAppDB). One process owns the database at a time.
package leveldbrepo

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key layout, offlineData:
//
//	mut:e:<id>                 entry
//	mut:ts:<unix nano>:<id>    timestamp index
//	mut:synced:<0|1>:<id>      synced-state index
//	mut:claim:<id>             drain lease
//
// fitnessData:
//
//	rec:e:<id>
//	rec:type:<type>:<unix nano>:<id>
//	rec:date:<unix nano>:<id>
const (
	seqMutations = "seq:mut"
	seqRecords   = "seq:rec"

	mutEntryPrefix  = "mut:e:"
	mutTsPrefix     = "mut:ts:"
	mutSyncedPrefix = "mut:synced:"
	mutClaimPrefix  = "mut:claim:"

	recEntryPrefix = "rec:e:"
	recTypePrefix  = "rec:type:"
	recDatePrefix  = "rec:date:"
)

var _ offline.Repo = (*Repo)(nil)

type Repo struct {
	db *leveldb.DB
	// serializes read-modify-write sequences (id allocation, claims)
	mu  sync.Mutex
	now func() time.Time
}

type claim struct {
	Claimant  string    `json:"claimant"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Open opens (or creates) the database under path, recovering it if the manifest is corrupted.
func Open(path string) (*Repo, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		log.Warnf("leveldb queue store %s corrupted, recovering: %s", path, err)
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newRepo(db), nil
}

// NewInMemory returns a repo backed by in-memory storage, nothing survives Close.
func NewInMemory() (*Repo, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return newRepo(db), nil
}

func newRepo(db *leveldb.DB) *Repo {
	return &Repo{
		db:  db,
		now: time.Now,
	}
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func idKey(prefix string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, id))
}

func tsKey(prefix string, ts time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefix, ts.UnixNano(), id))
}

func syncedKey(synced bool, id int64) []byte {
	flag := "0"
	if synced {
		flag = "1"
	}
	return idKey(mutSyncedPrefix+flag+":", id)
}

// tsRange covers [from, to] on a timestamp index, zero bounds are open.
func tsRange(prefix string, from, to time.Time) *util.Range {
	rng := util.BytesPrefix([]byte(prefix))
	if !from.IsZero() {
		rng.Start = []byte(fmt.Sprintf("%s%020d:", prefix, from.UnixNano()))
	}
	if !to.IsZero() {
		rng.Limit = []byte(fmt.Sprintf("%s%020d:", prefix, to.UnixNano()+1))
	}
	return rng
}

func (r *Repo) nextID(seqKey string, batch *leveldb.Batch) (int64, error) {
	var last uint64
	b, err := r.db.Get([]byte(seqKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		last = binary.BigEndian.Uint64(b)
	}

	next := last + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	batch.Put([]byte(seqKey), buf)
	return int64(next), nil
}

func (r *Repo) AddMutation(ctx context.Context, mutation offline.PendingMutation) (_ int64, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "leveldbrepo.mutation.add")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := new(leveldb.Batch)
	id, err := r.nextID(seqMutations, batch)
	if err != nil {
		return 0, fmt.Errorf("next mutation id: %w", err)
	}
	mutation.ID = id

	b, err := json.Marshal(mutation)
	if err != nil {
		return 0, fmt.Errorf("marshal mutation: %w", err)
	}
	batch.Put(idKey(mutEntryPrefix, id), b)
	batch.Put(tsKey(mutTsPrefix, mutation.Timestamp, id), nil)
	batch.Put(syncedKey(mutation.Synced, id), nil)

	if err := r.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("write mutation: %w", err)
	}
	return id, nil
}

func (r *Repo) getMutation(id int64) (offline.PendingMutation, error) {
	var m offline.PendingMutation
	b, err := r.db.Get(idKey(mutEntryPrefix, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return m, offline.ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("unmarshal mutation %d: %w", id, err)
	}
	return m, nil
}

func (r *Repo) ListMutations(ctx context.Context) (_ []offline.PendingMutation, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "leveldbrepo.mutation.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	it := r.db.NewIterator(util.BytesPrefix([]byte(mutEntryPrefix)), nil)
	defer it.Release()

	var mutations []offline.PendingMutation
	for it.Next() {
		var m offline.PendingMutation
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal mutation %s: %w", it.Key(), err)
		}
		mutations = append(mutations, m)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return mutations, nil
}

// idsFromIndex collects the trailing ids of the index keys in rng.
func (r *Repo) idsFromIndex(rng *util.Range) ([]int64, error) {
	it := r.db.NewIterator(rng, nil)
	defer it.Release()

	var ids []int64
	for it.Next() {
		key := it.Key()
		if len(key) < 20 {
			continue
		}
		id, err := strconv.ParseInt(string(key[len(key)-20:]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse index key %s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, it.Error()
}

func (r *Repo) MutationsBetween(ctx context.Context, from, to time.Time) (_ []offline.PendingMutation, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "leveldbrepo.mutation.between")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	ids, err := r.idsFromIndex(tsRange(mutTsPrefix, from, to))
	if err != nil {
		return nil, err
	}

	mutations := make([]offline.PendingMutation, 0, len(ids))
	for _, id := range ids {
		m, err := r.getMutation(id)
		if errors.Is(err, offline.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

func (r *Repo) PendingCount(ctx context.Context) (int, error) {
	ids, err := r.idsFromIndex(util.BytesPrefix([]byte(mutSyncedPrefix + "0:")))
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *Repo) DeleteMutation(ctx context.Context, id int64) (err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "leveldbrepo.mutation.delete")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.getMutation(id)
	if errors.Is(err, offline.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete(idKey(mutEntryPrefix, id))
	batch.Delete(tsKey(mutTsPrefix, m.Timestamp, id))
	batch.Delete(syncedKey(m.Synced, id))
	batch.Delete(idKey(mutClaimPrefix, id))
	return r.db.Write(batch, nil)
}

func (r *Repo) ClaimMutation(ctx context.Context, id int64, claimant string, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getMutation(id); err != nil {
		if errors.Is(err, offline.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	now := r.now()
	current, err := r.getClaim(id)
	if err != nil {
		return false, err
	}
	if current != nil && current.Claimant != claimant && now.Before(current.ExpiresAt) {
		return false, nil
	}

	b, err := json.Marshal(claim{Claimant: claimant, ExpiresAt: now.Add(lease)})
	if err != nil {
		return false, err
	}
	if err := r.db.Put(idKey(mutClaimPrefix, id), b, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repo) ReleaseMutation(ctx context.Context, id int64, claimant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.getClaim(id)
	if err != nil {
		return err
	}
	if current == nil || current.Claimant != claimant {
		return nil
	}
	return r.db.Delete(idKey(mutClaimPrefix, id), nil)
}

func (r *Repo) getClaim(id int64) (*claim, error) {
	b, err := r.db.Get(idKey(mutClaimPrefix, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c claim
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal claim %d: %w", id, err)
	}
	return &c, nil
}

func (r *Repo) AddRecord(ctx context.Context, record offline.LocalRecord) (_ int64, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "leveldbrepo.record.add")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := new(leveldb.Batch)
	id, err := r.nextID(seqRecords, batch)
	if err != nil {
		return 0, fmt.Errorf("next record id: %w", err)
	}
	record.ID = id

	b, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	batch.Put(idKey(recEntryPrefix, id), b)
	batch.Put(tsKey(recTypePrefix+string(record.Type)+":", record.Timestamp, id), nil)
	batch.Put(tsKey(recDatePrefix, record.Date, id), nil)

	if err := r.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	return id, nil
}

func (r *Repo) ListRecords(ctx context.Context, filter offline.RecordFilter) (_ []offline.LocalRecord, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "leveldbrepo.record.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	rng := tsRange(recDatePrefix, filter.From, filter.To)
	if filter.Type != "" {
		rng = tsRange(recTypePrefix+string(filter.Type)+":", filter.From, filter.To)
	}
	ids, err := r.idsFromIndex(rng)
	if err != nil {
		return nil, err
	}

	records := make([]offline.LocalRecord, 0, len(ids))
	for _, id := range ids {
		b, err := r.db.Get(idKey(recEntryPrefix, id), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec offline.LocalRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record %d: %w", id, err)
		}
		if filter.Match(rec) {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}
