// Package experience fans delegated-run records out to the configured sinks.
package experience

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"ghostrun/internal/storage"
	"ghostrun/internal/task/delegate"
)

const (
	DefaultKeyPrefix = "ghostrun:experience"
	DefaultListMax   = 1000
)

// Appender is the part of storage.Store a StoreSink needs.
type Appender interface {
	AppendExperience(ctx context.Context, e storage.Experience) error
}

// StoreSink appends to the execution store.
type StoreSink struct{ store Appender }

func NewStoreSink(store Appender) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Record(ctx context.Context, e storage.Experience) error {
	return errors.Wrap(s.store.AppendExperience(ctx, e), "store experience")
}

// RedisSink keeps a capped list of recent records per tenant:
// LPUSH then LTRIM on <prefix>:<company>.
type RedisSink struct {
	client  *redis.Client
	prefix  string
	listMax int64
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, url, prefix string, listMax int64) (*RedisSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return newRedisSink(client, prefix, listMax), nil
}

func newRedisSink(client *redis.Client, prefix string, listMax int64) *RedisSink {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	if listMax <= 0 {
		listMax = DefaultListMax
	}
	return &RedisSink{client: client, prefix: prefix, listMax: listMax}
}

func (s *RedisSink) key(company string) string {
	if company == "" {
		company = "_"
	}
	return s.prefix + ":" + company
}

func (s *RedisSink) Record(ctx context.Context, e storage.Experience) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode experience")
	}
	key := s.key(e.Company)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.listMax-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "push experience to %s", key)
}

// Recent returns up to n records for company, newest first.
func (s *RedisSink) Recent(ctx context.Context, company string, n int64) ([]storage.Experience, error) {
	if n <= 0 {
		n = s.listMax
	}
	raw, err := s.client.LRange(ctx, s.key(company), 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read experiences")
	}
	out := make([]storage.Experience, 0, len(raw))
	for _, r := range raw {
		var e storage.Experience
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisSink) Close() error { return s.client.Close() }

// Multi records to every sink and joins their errors.
type Multi []delegate.ExperienceSink

func (m Multi) Record(ctx context.Context, e storage.Experience) error {
	var errs error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
