// Package redisdriver is a Redis-backed reference implementation of
// storedmap.Driver. The primary blob lives in a plain string key; the
// secondary index is a JSON document in a string key (map tree,
// secondary key, tags) plus a
// lexicographically-sorted set for sort-key range scans and a set per
// tag; leases are SET NX PX tokens released by a compare-and-delete
// Lua script so a process never unlocks a lease it does not hold.
package redisdriver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	storedmap "github.com/edirooss/storedmap"
)

// unlockScript deletes key only if its current value matches the
// token supplied, so Unlock never releases a lease this process does
// not currently hold (spec.md §6 "unlock(key, index, h)").
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Driver is a Redis-backed storedmap.Driver.
type Driver struct {
	client *redis.Client
	log    *zap.Logger
	limits storedmap.Limits

	// token is this process's lease-ownership fingerprint, derived via
	// blake2b so it stays short and collision-resistant regardless of
	// how long a random session id would otherwise need to be.
	token string
}

// Options configures a new Driver.
type Options struct {
	Addr string
	DB   int

	MaxIndexNameLen int // default 512 (Redis key length is effectively unbounded)
	MaxKeyLen       int // default 512
	MaxTagLen       int // default 256
	MaxSorterLen    int // default 24

	Log *zap.Logger
}

// New opens a connection to Redis and returns a ready-to-use Driver.
func New(ctx context.Context, opts Options) (*Driver, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("redisdriver")

	if opts.MaxIndexNameLen <= 0 {
		opts.MaxIndexNameLen = 512
	}
	if opts.MaxKeyLen <= 0 {
		opts.MaxKeyLen = 512
	}
	if opts.MaxTagLen <= 0 {
		opts.MaxTagLen = 256
	}
	if opts.MaxSorterLen <= 0 {
		opts.MaxSorterLen = 24
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", time.Since(start)))
		return nil, fmt.Errorf("redisdriver: ping: %w", err)
	}
	log.Info("connection established", zap.String("addr", opts.Addr), zap.Int("db", opts.DB), zap.Duration("ping_rtt", time.Since(start)))

	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("redisdriver: generate session token: %w", err)
	}
	sum := blake2b.Sum256(seed[:])

	return &Driver{
		client: client,
		log:    log,
		token:  hex.EncodeToString(sum[:16]),
		limits: storedmap.Limits{
			MaxIndexNameLen: opts.MaxIndexNameLen,
			MaxKeyLen:       opts.MaxKeyLen,
			MaxTagLen:       opts.MaxTagLen,
			MaxSorterLen:    opts.MaxSorterLen,
		},
	}, nil
}

func (d *Driver) Limits() storedmap.Limits { return d.limits }

func primaryKey(index, key string) string { return index + ":p:" + key }
func metaKey(index, key string) string    { return index + ":m:" + key }
func sortSetKey(index string) string      { return index + ":sort" }
func tagSetKey(index, tag string) string   { return index + ":tag:" + tag }
func lockKey(index, key string) string    { return index + ":lock:" + key }

func (d *Driver) Get(ctx context.Context, key, index string) ([]byte, error) {
	b, err := d.client.Get(ctx, primaryKey(index, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisdriver: get: %w", err)
	}
	return b, nil
}

func (d *Driver) Put(ctx context.Context, key, index string, data []byte, onPrimaryDone func(error), onReadyForSecondary func()) {
	if err := d.client.Set(ctx, primaryKey(index, key), data, 0).Err(); err != nil {
		onPrimaryDone(fmt.Errorf("redisdriver: set: %w", err))
		return
	}
	onPrimaryDone(nil)
	onReadyForSecondary()
}

type metaDoc struct {
	Tree            map[string]any `json:"tree"`
	SecondaryKey    string         `json:"secondary_key"`
	HasSecondaryKey bool           `json:"has_secondary_key"`
	Tags            []string       `json:"tags"`
}

func sortMember(sortBytes []byte, key string) string {
	return hex.EncodeToString(sortBytes) + "\x00" + key
}

func (d *Driver) PutSecondary(ctx context.Context, key, index string, tree map[string]any, locales []string, secondaryKey string, hasSecondaryKey bool, sortBytes []byte, tags []string, onDone func(error)) {
	doc := metaDoc{Tree: tree, SecondaryKey: secondaryKey, HasSecondaryKey: hasSecondaryKey, Tags: tags}
	raw, err := json.Marshal(doc)
	if err != nil {
		onDone(fmt.Errorf("redisdriver: marshal secondary doc: %w", err))
		return
	}

	pipe := d.client.TxPipeline()
	pipe.Set(ctx, metaKey(index, key), raw, 0)
	if len(sortBytes) > 0 {
		pipe.ZAdd(ctx, sortSetKey(index), redis.Z{Score: 0, Member: sortMember(sortBytes, key)})
	}
	for _, t := range tags {
		pipe.SAdd(ctx, tagSetKey(index, t), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		onDone(fmt.Errorf("redisdriver: put secondary: %w", err))
		return
	}
	onDone(nil)
}

func (d *Driver) Remove(ctx context.Context, key, index string, onDone func(error)) {
	raw, _ := d.client.Get(ctx, metaKey(index, key)).Bytes()

	pipe := d.client.TxPipeline()
	pipe.Del(ctx, primaryKey(index, key))
	pipe.Del(ctx, metaKey(index, key))
	if len(raw) > 0 {
		var doc metaDoc
		if json.Unmarshal(raw, &doc) == nil {
			for _, t := range doc.Tags {
				pipe.SRem(ctx, tagSetKey(index, t), key)
			}
		}
	}
	members, err := d.client.ZRange(ctx, sortSetKey(index), 0, -1).Result()
	if err == nil {
		suffix := "\x00" + key
		for _, m := range members {
			if strings.HasSuffix(m, suffix) {
				pipe.ZRem(ctx, sortSetKey(index), m)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		onDone(fmt.Errorf("redisdriver: remove: %w", err))
		return
	}
	onDone(nil)
}

func (d *Driver) Indices(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	iter := d.client.Scan(ctx, 0, "*:p:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if i := strings.Index(k, ":p:"); i >= 0 {
			seen[k[:i]] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisdriver: scan indices: %w", err)
	}
	out := make([]string, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Driver) TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error) {
	ok, err := d.client.SetNX(ctx, lockKey(index, key), d.token, ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("redisdriver: trylock: %w", err)
	}
	if ok {
		return 0, nil
	}
	pttl, err := d.client.PTTL(ctx, lockKey(index, key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisdriver: trylock pttl: %w", err)
	}
	wait := pttl.Milliseconds()
	if wait <= 0 {
		wait = 1
	}
	return wait, nil
}

func (d *Driver) Unlock(ctx context.Context, key, index string) error {
	if err := unlockScript.Run(ctx, d.client, []string{lockKey(index, key)}, d.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redisdriver: unlock: %w", err)
	}
	return nil
}

func (d *Driver) Close() error { return d.client.Close() }

func (d *Driver) List(ctx context.Context, index string, opts storedmap.ListOptions) storedmap.KeyIterator {
	keys, err := d.matchingKeys(ctx, index, opts.Filter)
	if err != nil {
		return &keyIterator{err: err}
	}

	from := int(opts.From)
	if from < 0 {
		from = 0
	}
	if from > len(keys) {
		from = len(keys)
	}
	end := len(keys)
	if opts.Size > 0 && from+int(opts.Size) < end {
		end = from + int(opts.Size)
	}
	return &keyIterator{keys: keys[from:end], pos: -1}
}

func (d *Driver) Count(ctx context.Context, index string, filter storedmap.ListFilter) (int64, error) {
	keys, err := d.matchingKeys(ctx, index, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (d *Driver) matchingKeys(ctx context.Context, index string, filter storedmap.ListFilter) ([]string, error) {
	var candidates []string

	switch {
	case len(filter.Tags) > 0:
		seen := make(map[string]struct{})
		for _, t := range filter.Tags {
			members, err := d.client.SMembers(ctx, tagSetKey(index, t)).Result()
			if err != nil {
				return nil, fmt.Errorf("redisdriver: smembers: %w", err)
			}
			for _, m := range members {
				seen[m] = struct{}{}
			}
		}
		if filter.SortFrom != nil || filter.SortTo != nil {
			members, err := d.sortRangeMembers(ctx, index, filter)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				if i := strings.IndexByte(m, 0); i >= 0 {
					if _, ok := seen[m[i+1:]]; ok {
						candidates = append(candidates, m[i+1:])
					}
				}
			}
			return dedupeKeysByQuery(ctx, d, index, candidates, filter)
		}
		for k := range seen {
			candidates = append(candidates, k)
		}

	case filter.SortFrom != nil || filter.SortTo != nil:
		members, err := d.sortRangeMembers(ctx, index, filter)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if i := strings.IndexByte(m, 0); i >= 0 {
				candidates = append(candidates, m[i+1:])
			}
		}
		return dedupeKeysByQuery(ctx, d, index, candidates, filter)

	default:
		iter := d.client.Scan(ctx, 0, index+":p:*", 0).Iterator()
		prefix := index + ":p:"
		for iter.Next(ctx) {
			candidates = append(candidates, strings.TrimPrefix(iter.Val(), prefix))
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redisdriver: scan: %w", err)
		}
	}

	return dedupeKeysByQuery(ctx, d, index, candidates, filter)
}

func (d *Driver) sortRangeMembers(ctx context.Context, index string, filter storedmap.ListFilter) ([]string, error) {
	min, max := "-", "+"
	if filter.SortFrom != nil {
		min = "[" + hex.EncodeToString(filter.SortFrom)
	}
	if filter.SortTo != nil {
		max = "[" + hex.EncodeToString(filter.SortTo) + "\xff"
	}
	if filter.SortDescending {
		return d.client.ZRevRangeByLex(ctx, sortSetKey(index), &redis.ZRangeBy{Min: min, Max: max}).Result()
	}
	return d.client.ZRangeByLex(ctx, sortSetKey(index), &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func dedupeKeysByQuery(ctx context.Context, d *Driver, index string, keys []string, filter storedmap.ListFilter) ([]string, error) {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	// Keys from a sort-range scan arrive in sort-key order (ascending or
	// descending); every other source is ordered by key.
	ranged := filter.SortFrom != nil || filter.SortTo != nil
	if filter.Query == "" {
		if !ranged {
			sort.Strings(out)
		}
		return out, nil
	}

	filtered := out[:0]
	for _, k := range out {
		raw, err := d.client.Get(ctx, metaKey(index, k)).Bytes()
		if err != nil {
			continue
		}
		if bytes.Contains(raw, []byte(filter.Query)) {
			filtered = append(filtered, k)
		}
	}
	if !ranged {
		sort.Strings(filtered)
	}
	return filtered, nil
}

type keyIterator struct {
	keys []string
	pos  int
	err  error
}

func (it *keyIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	it.pos++
	return it.pos < len(it.keys)
}

func (it *keyIterator) Key() string {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return ""
	}
	return it.keys[it.pos]
}

func (it *keyIterator) Err() error  { return it.err }
func (it *keyIterator) Close() error { return nil }
