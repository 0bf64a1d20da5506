package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/outbox/internal/models"
)

// Redis stores one namespace under keys prefixed "{prefix}:{namespace}":
//
//	:op:{id}        operation JSON
//	:ids            set of operation IDs
//	:idem:{key}     set of operation IDs sharing an idempotency key
//	:logs           list of sync log JSON, newest first
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	namespace string
}

// NewRedis creates a Redis-backed store.
func NewRedis(client redis.UniversalClient, prefix, namespace string) *Redis {
	if prefix == "" {
		prefix = "outbox"
	}
	return &Redis{client: client, prefix: prefix, namespace: namespace}
}

func (r *Redis) key(parts ...string) string {
	k := fmt.Sprintf("%s:%s", r.prefix, r.namespace)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) opKey(id string) string    { return r.key("op", id) }
func (r *Redis) idemKey(key string) string { return r.key("idem", key) }

// redisInsertScript writes the record and both index sets atomically.
var redisInsertScript = redis.NewScript(`
local op_key = KEYS[1]
local ids_key = KEYS[2]
local idem_key = KEYS[3]
local id = ARGV[1]
local payload = ARGV[2]

if redis.call("SETNX", op_key, payload) == 0 then
  return 0
end
redis.call("SADD", ids_key, id)
redis.call("SADD", idem_key, id)
return 1
`)

func (r *Redis) Insert(ctx context.Context, op *models.QueuedOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return storageErr("encode operation", err)
	}
	keys := []string{r.opKey(op.ID), r.key("ids"), r.idemKey(op.IdempotencyKey)}
	inserted, err := redisInsertScript.Run(ctx, r.client, keys, op.ID, string(raw)).Int()
	if err != nil {
		return storageErr("insert operation", err)
	}
	if inserted == 0 {
		return errDuplicateID(op.ID)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, op *models.QueuedOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return storageErr("encode operation", err)
	}
	ok, err := r.client.SetXX(ctx, r.opKey(op.ID), raw, 0).Result()
	if err != nil {
		return storageErr("update operation", err)
	}
	if !ok {
		return notFound(op.ID)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	raw, err := r.client.Get(ctx, r.opKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("get operation", err)
	}
	return decodeOperation(raw)
}

func (r *Redis) List(ctx context.Context, status models.OperationStatus) ([]*models.QueuedOperation, error) {
	ids, err := r.client.SMembers(ctx, r.key("ids")).Result()
	if err != nil {
		return nil, storageErr("list operations", err)
	}
	ops, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := ops[:0]
	for _, op := range ops {
		if matches(op, status) {
			out = append(out, op)
		}
	}
	sortOperations(out)
	return out, nil
}

func (r *Redis) FindByIdempotencyKey(ctx context.Context, key string) ([]*models.QueuedOperation, error) {
	ids, err := r.client.SMembers(ctx, r.idemKey(key)).Result()
	if err != nil {
		return nil, storageErr("find by idempotency key", err)
	}
	ops, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortOperations(ops)
	return ops, nil
}

// load fetches operations by ID, skipping IDs whose record is gone.
func (r *Redis) load(ctx context.Context, ids []string) ([]*models.QueuedOperation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.opKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageErr("load operations", err)
	}
	out := make([]*models.QueuedOperation, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		op, err := decodeOperation([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, ids ...string) (int, error) {
	ops, err := r.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			pipe.Del(ctx, r.opKey(op.ID))
			pipe.SRem(ctx, r.key("ids"), op.ID)
			pipe.SRem(ctx, r.idemKey(op.IdempotencyKey), op.ID)
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("delete operations", err)
	}
	return len(ops), nil
}

func (r *Redis) Clear(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, r.key("ids")).Result()
	if err != nil {
		return 0, storageErr("clear operations", err)
	}
	return r.Delete(ctx, ids...)
}

func (r *Redis) AppendLog(ctx context.Context, entry *models.SyncLogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return storageErr("encode sync log", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key("logs"), raw)
		pipe.LTrim(ctx, r.key("logs"), 0, MaxLogEntries-1)
		return nil
	})
	return storageErr("append sync log", err)
}

func (r *Redis) RecentLogs(ctx context.Context, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = MaxLogEntries
	}
	vals, err := r.client.LRange(ctx, r.key("logs"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, storageErr("list sync logs", err)
	}
	out := make([]*models.SyncLogEntry, 0, len(vals))
	for _, v := range vals {
		var e models.SyncLogEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, storageErr("decode sync log", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *Redis) Close() error {
	return nil
}

func decodeOperation(raw []byte) (*models.QueuedOperation, error) {
	var op models.QueuedOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, storageErr("decode operation", err)
	}
	return &op, nil
}
