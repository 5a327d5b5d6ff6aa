package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/tysjosh/mindshop-sub016/internal/db"
)

// Entries are hashes: v=value, ts/stale/exp=unix nanos. The key itself
// expires at exp via PEXPIREAT.
const (
	fieldValue    = "v"
	fieldStoredAt = "ts"
	fieldStaleAt  = "stale"
	fieldExpireAt = "exp"
)

const putScript = `
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ts', ARGV[2], 'stale', ARGV[3], 'exp', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
return 1
`

const casScript = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'ts', ARGV[3], 'stale', ARGV[4], 'exp', ARGV[5])
redis.call('PEXPIREAT', KEYS[1], ARGV[6])
return 1
`

// GetEntry reads an entry hash.
func (s *Store) GetEntry(ctx context.Context, key string) (db.Entry, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	m, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return db.Entry{}, db.ErrKeyNotFound
		}
		return db.Entry{}, &db.Error{Op: db.OpGetEntry, Err: err}
	}
	if len(m) == 0 {
		return db.Entry{}, db.ErrKeyNotFound
	}
	return decodeEntry(m)
}

// PutEntry overwrites key with e and sets its expiry.
func (s *Store) PutEntry(ctx context.Context, key string, e db.Entry) error {
	args := append(entryArgs(e), strconv.FormatInt(e.ExpireAt.UnixMilli(), 10))
	if err := s.put.Exec(ctx, s.client, []string{key}, args).Error(); err != nil {
		return &db.Error{Op: db.OpPutEntry, Err: err}
	}
	return nil
}

// CompareAndPut writes e only if the stored ts field equals storedAt.
func (s *Store) CompareAndPut(ctx context.Context, key string, storedAt time.Time, e db.Entry) (bool, error) {
	args := make([]string, 0, 6)
	args = append(args, nanos(storedAt))
	args = append(args, entryArgs(e)...)
	args = append(args, strconv.FormatInt(e.ExpireAt.UnixMilli(), 10))

	n, err := s.cas.Exec(ctx, s.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, &db.Error{Op: db.OpCAS, Err: err}
	}
	return n == 1, nil
}

// Del removes keys and returns how many existed.
func (s *Store) Del(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	cmd := s.b().Del().Key(keys...).Build()
	n, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, &db.Error{Op: db.OpDel, Err: err}
	}
	return int(n), nil
}

// Scan iterates keys matching a glob pattern.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		cmd := s.b().Scan().Cursor(cursor).Match(pattern).Count(100).Build()
		res, err := s.do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, &db.Error{Op: db.OpScan, Err: err}
		}
		keys = append(keys, res.Elements...)
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func entryArgs(e db.Entry) []string {
	return []string{
		string(e.Value),
		nanos(e.StoredAt),
		nanos(e.StaleAt),
		nanos(e.ExpireAt),
	}
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeEntry(m map[string]string) (db.Entry, error) {
	e := db.Entry{Value: []byte(m[fieldValue])}
	for field, dst := range map[string]*time.Time{
		fieldStoredAt: &e.StoredAt,
		fieldStaleAt:  &e.StaleAt,
		fieldExpireAt: &e.ExpireAt,
	} {
		raw, ok := m[field]
		if !ok {
			return db.Entry{}, fmt.Errorf("cache entry missing field %q", field)
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return db.Entry{}, fmt.Errorf("cache entry field %q: %w", field, err)
		}
		*dst = time.Unix(0, n)
	}
	return e, nil
}
