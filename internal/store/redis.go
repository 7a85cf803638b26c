package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

const (
	nodeEventChannel = "nodes:events"
	expiryKey        = "receipts:expiry"   // record id -> latest receipt expiry
	immortalKey      = "receipts:immortal" // records holding a receipt without expiry
	deletedKey       = "nodes:deleted"
)

// RedisStore handles Redis operations for nodes, receipts and request
// bookkeeping (nonces, rate limits, node events).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// nodeKey returns the key holding a node's JSON.
func nodeKey(id string) string {
	return fmt.Sprintf("node:%s", id)
}

// childrenKey returns the key for a parent's sorted set of live children.
// Members are node ids scored by creation time, so equal scores fall back
// to id order.
func childrenKey(parentID string) string {
	return fmt.Sprintf("room:%s:nodes", parentID)
}

// receiptsKey returns the hash of receipt id -> receipt JSON for a record.
func receiptsKey(recordID string) string {
	return fmt.Sprintf("receipts:%s", recordID)
}

// targetKey returns the set of record ids holding a receipt for target.
func targetKey(target string) string {
	return fmt.Sprintf("target:%s:records", target)
}

// blobsKey returns the hash of blob id -> blob JSON for a record.
func blobsKey(recordID string) string {
	return fmt.Sprintf("blobs:%s", recordID)
}

// PutBundle stores the bundle in a single MULTI/EXEC transaction.
func (s *RedisStore) PutBundle(ctx context.Context, b Bundle) ([]string, error) {
	defer observe("redis", "put", time.Now())

	created := make([]*redis.BoolCmd, len(b.Nodes))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, n := range b.Nodes {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			created[i] = pipe.SetNX(ctx, nodeKey(n.ID), data, 0)
			pipe.ZAdd(ctx, childrenKey(n.ParentID), redis.Z{
				Score:  float64(n.CreationTime),
				Member: n.ID,
			})
		}

		for _, r := range b.Receipts {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, receiptsKey(r.RecordID), r.ID, data)
			pipe.SAdd(ctx, targetKey(r.TargetPubKey), r.RecordID)
			if r.ExpiresAt == nil {
				pipe.SAdd(ctx, immortalKey, r.RecordID)
				continue
			}
			pipe.ZAddArgs(ctx, expiryKey, redis.ZAddArgs{
				GT:      true,
				Members: []redis.Z{{Score: float64(*r.ExpiresAt), Member: r.RecordID}},
			})
		}

		for _, blob := range b.Blobs {
			data, err := json.Marshal(blob)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, blobsKey(blob.RecordID), blob.ID, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var inserted []string
	for i, cmd := range created {
		if cmd.Val() {
			inserted = append(inserted, b.Nodes[i].ID)
		}
	}
	return inserted, nil
}

// GetRecords returns the live records among ids, in the order given.
func (s *RedisStore) GetRecords(ctx context.Context, ids []string) ([]models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = nodeKey(id)
	}

	pipe := s.client.Pipeline()
	values := pipe.MGet(ctx, keys...)
	deleted := pipe.SMIsMember(ctx, deletedKey, toAny(ids)...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	gone := deleted.Val()
	records := make([]models.Record, 0, len(ids))
	for i, v := range values.Val() {
		data, ok := v.(string)
		if !ok || gone[i] {
			continue
		}
		var rec models.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListChildren pages a parent's children by rank in its sorted set.
func (s *RedisStore) ListChildren(ctx context.Context, parentID string, q Query) ([]models.Record, error) {
	defer observe("redis", "list", time.Now())

	key := childrenKey(parentID)

	var start int64
	if q.Cursor != "" {
		var rank int64
		var err error
		if q.Desc {
			rank, err = s.client.ZRevRank(ctx, key, q.Cursor).Result()
		} else {
			rank, err = s.client.ZRank(ctx, key, q.Cursor).Result()
		}
		if errors.Is(err, redis.Nil) {
			return nil, ErrCursorNotFound
		}
		if err != nil {
			return nil, err
		}
		start = rank + 1
	}

	stop := int64(-1)
	if q.Limit > 0 {
		stop = start + int64(q.Limit) - 1
	}

	var ids []string
	var err error
	if q.Desc {
		ids, err = s.client.ZRevRange(ctx, key, start, stop).Result()
	} else {
		ids, err = s.client.ZRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, err
	}

	return s.GetRecords(ctx, ids)
}

// Blobs returns the blobs attached to recordIDs.
func (s *RedisStore) Blobs(ctx context.Context, recordIDs []string) ([]models.Blob, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(recordIDs))
	for i, id := range recordIDs {
		cmds[i] = pipe.HGetAll(ctx, blobsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var blobs []models.Blob
	for _, cmd := range cmds {
		for _, data := range cmd.Val() {
			var b models.Blob
			if err := json.Unmarshal([]byte(data), &b); err != nil {
				continue
			}
			blobs = append(blobs, b)
		}
	}
	return blobs, nil
}

// receipts loads every receipt of recordID.
func (s *RedisStore) receipts(ctx context.Context, recordID string) ([]models.Receipt, error) {
	values, err := s.client.HGetAll(ctx, receiptsKey(recordID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Receipt, 0, len(values))
	for _, data := range values {
		var r models.Receipt
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ReceiptsForTarget returns unexpired receipts naming target below parentID.
func (s *RedisStore) ReceiptsForTarget(ctx context.Context, parentID, target string, nowMs int64) ([]models.Receipt, error) {
	ids, err := s.client.SMembers(ctx, targetKey(target)).Result()
	if err != nil {
		return nil, err
	}

	records, err := s.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortRecords(records)

	var out []models.Receipt
	for _, rec := range records {
		if rec.ParentID != parentID {
			continue
		}
		receipts, err := s.receipts(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range receipts {
			if r.Permits(target, nowMs) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// ExpiredRecords returns live records whose latest receipt expiry is at or
// before nowMs and that hold no receipt without expiry.
func (s *RedisStore) ExpiredRecords(ctx context.Context, nowMs int64) ([]models.Record, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	immortal, err := s.client.SMIsMember(ctx, immortalKey, toAny(ids)...).Result()
	if err != nil {
		return nil, err
	}

	candidates := ids[:0]
	for i, id := range ids {
		if !immortal[i] {
			candidates = append(candidates, id)
		}
	}

	records, err := s.GetRecords(ctx, candidates)
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

// MarkDeleted soft-deletes ids: they leave their parent's sorted set and the
// expiry index but their data stays.
func (s *RedisStore) MarkDeleted(ctx context.Context, ids []string) error {
	records, err := s.GetRecords(ctx, ids)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			pipe.ZRem(ctx, childrenKey(rec.ParentID), rec.ID)
			pipe.ZRem(ctx, expiryKey, rec.ID)
			pipe.SAdd(ctx, deletedKey, rec.ID)
		}
		return nil
	})
	return err
}

// PublishNodeEvent announces an event to every relay sharing this Redis.
func (s *RedisStore) PublishNodeEvent(ctx context.Context, ev NodeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, nodeEventChannel, data).Err()
}

// SubscribeNodeEvents calls fn for every published node event until ctx is
// done.
func (s *RedisStore) SubscribeNodeEvents(ctx context.Context, fn func(NodeEvent)) error {
	sub := s.client.Subscribe(ctx, nodeEventChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev NodeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}

// nonceKey returns the key for nonce tracking.
func nonceKey(pubKey, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", pubKey, nonce)
}

// IsNonceUsed checks if a nonce has been used.
func (s *RedisStore) IsNonceUsed(ctx context.Context, pubKey, nonce string) bool {
	key := nonceKey(pubKey, nonce)
	exists, _ := s.client.Exists(ctx, key).Result()
	return exists > 0
}

// MarkNonceUsed marks a nonce as used with a TTL.
func (s *RedisStore) MarkNonceUsed(ctx context.Context, pubKey, nonce string, ttl time.Duration) {
	key := nonceKey(pubKey, nonce)
	s.client.Set(ctx, key, "1", ttl)
}

func toAny(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
