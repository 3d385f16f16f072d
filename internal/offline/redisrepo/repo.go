// Package redisrepo keeps the offline queue in redis so the agent and the proxy
// can share one store from separate processes.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	"github.com/go-redis/redis/v8"
)

const (
	mutSeqKey      = "fitsync:offlineData:seq"
	mutIDsKey      = "fitsync:offlineData:ids"      // zset, score = id
	mutTsKey       = "fitsync:offlineData:ts"       // zset, score = unix millis
	mutUnsyncedKey = "fitsync:offlineData:unsynced" // set
	mutEntryPrefix = "fitsync:offlineData:e:"
	mutClaimPrefix = "fitsync:offlineData:claim:"

	recSeqKey      = "fitsync:fitnessData:seq"
	recDateKey     = "fitsync:fitnessData:date" // zset, score = unix millis
	recTypePrefix  = "fitsync:fitnessData:type:"
	recEntryPrefix = "fitsync:fitnessData:e:"
)

var _ offline.Repo = (*Repo)(nil)

type Repo struct {
	rdb redis.UniversalClient
}

func NewRepo(rdb redis.UniversalClient) *Repo {
	return &Repo{rdb: rdb}
}

func (r *Repo) Close() error {
	// the client is owned by the caller
	return nil
}

func entryKey(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

func scoreMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreBound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *Repo) AddMutation(ctx context.Context, mutation offline.PendingMutation) (_ int64, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisrepo.mutation.add")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	id, err := r.rdb.Incr(ctx, mutSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next mutation id: %w", err)
	}
	mutation.ID = id

	b, err := json.Marshal(mutation)
	if err != nil {
		return 0, fmt.Errorf("marshal mutation: %w", err)
	}

	// entry and indexes are written in one MULTI/EXEC
	if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(mutEntryPrefix, id), string(b), 0)
		pipe.ZAdd(ctx, mutIDsKey, &redis.Z{Score: float64(id), Member: id})
		pipe.ZAdd(ctx, mutTsKey, &redis.Z{Score: scoreMillis(mutation.Timestamp), Member: id})
		if !mutation.Synced {
			pipe.SAdd(ctx, mutUnsyncedKey, id)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("store mutation %d: %w", id, err)
	}

	return id, nil
}

func (r *Repo) ListMutations(ctx context.Context) (_ []offline.PendingMutation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisrepo.mutation.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	ids, err := r.rdb.ZRange(ctx, mutIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list mutation ids: %w", err)
	}
	return r.mutationsByIDs(ctx, ids)
}

func (r *Repo) MutationsBetween(ctx context.Context, from, to time.Time) (_ []offline.PendingMutation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisrepo.mutation.between")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	ids, err := r.rdb.ZRangeByScore(ctx, mutTsKey, &redis.ZRangeBy{
		Min: scoreBound(from, "-inf"),
		Max: scoreBound(to, "+inf"),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range mutation timestamps: %w", err)
	}

	mutations, err := r.mutationsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(mutations, func(i, j int) bool { return mutations[i].ID < mutations[j].ID })
	return mutations, nil
}

func (r *Repo) mutationsByIDs(ctx context.Context, ids []string) ([]offline.PendingMutation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = mutEntryPrefix + id
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get mutations: %w", err)
	}

	mutations := make([]offline.PendingMutation, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// removed between the index read and the get
			continue
		}
		var m offline.PendingMutation
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("unmarshal mutation %s: %w", ids[i], err)
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

func (r *Repo) PendingCount(ctx context.Context) (int, error) {
	count, err := r.rdb.SCard(ctx, mutUnsyncedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return int(count), nil
}

func (r *Repo) DeleteMutation(ctx context.Context, id int64) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisrepo.mutation.delete")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, mutIDsKey, id)
		pipe.ZRem(ctx, mutTsKey, id)
		pipe.SRem(ctx, mutUnsyncedKey, id)
		pipe.Del(ctx, entryKey(mutEntryPrefix, id), entryKey(mutClaimPrefix, id))
		return nil
	}); err != nil {
		return fmt.Errorf("delete mutation %d: %w", id, err)
	}
	return nil
}

// ClaimMutation takes the lease with SETNX, the key expires on its own when the holder dies mid drain.
func (r *Repo) ClaimMutation(ctx context.Context, id int64, claimant string, lease time.Duration) (bool, error) {
	exists, err := r.rdb.Exists(ctx, entryKey(mutEntryPrefix, id)).Result()
	if err != nil {
		return false, fmt.Errorf("check mutation %d: %w", id, err)
	}
	if exists == 0 {
		return false, nil
	}

	claimKey := entryKey(mutClaimPrefix, id)
	ok, err := r.rdb.SetNX(ctx, claimKey, claimant, lease).Result()
	if err != nil {
		return false, fmt.Errorf("claim mutation %d: %w", id, err)
	}
	if ok {
		return true, nil
	}

	holder, err := r.rdb.Get(ctx, claimKey).Result()
	if errors.Is(err, redis.Nil) {
		// expired in between, caller will retry on the next drain
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get claim %d: %w", id, err)
	}
	if holder != claimant {
		return false, nil
	}
	if err := r.rdb.Expire(ctx, claimKey, lease).Err(); err != nil {
		return false, fmt.Errorf("extend claim %d: %w", id, err)
	}
	return true, nil
}

func (r *Repo) ReleaseMutation(ctx context.Context, id int64, claimant string) error {
	claimKey := entryKey(mutClaimPrefix, id)
	holder, err := r.rdb.Get(ctx, claimKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get claim %d: %w", id, err)
	}
	if holder != claimant {
		return nil
	}
	if err := r.rdb.Del(ctx, claimKey).Err(); err != nil {
		return fmt.Errorf("release claim %d: %w", id, err)
	}
	return nil
}

func (r *Repo) AddRecord(ctx context.Context, record offline.LocalRecord) (_ int64, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisrepo.record.add")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	id, err := r.rdb.Incr(ctx, recSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next record id: %w", err)
	}
	record.ID = id

	b, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey(recEntryPrefix, id), string(b), 0)
		pipe.ZAdd(ctx, recDateKey, &redis.Z{Score: scoreMillis(record.Date), Member: id})
		pipe.ZAdd(ctx, recTypePrefix+string(record.Type), &redis.Z{Score: scoreMillis(record.Timestamp), Member: id})
		return nil
	}); err != nil {
		return 0, fmt.Errorf("store record %d: %w", id, err)
	}
	return id, nil
}

func (r *Repo) ListRecords(ctx context.Context, filter offline.RecordFilter) (_ []offline.LocalRecord, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "redisrepo.record.list")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	indexKey := recDateKey
	if filter.Type != "" {
		indexKey = recTypePrefix + string(filter.Type)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: scoreBound(filter.From, "-inf"),
		Max: scoreBound(filter.To, "+inf"),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recEntryPrefix + id
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}

	records := make([]offline.LocalRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec offline.LocalRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", ids[i], err)
		}
		if filter.Match(rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}
