package experience

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/storage"
	"ghostrun/internal/task/delegate"
	logx "ghostrun/pkg/logx"
)

type sinkFunc func(context.Context, storage.Experience) error

func (f sinkFunc) Record(ctx context.Context, e storage.Experience) error { return f(ctx, e) }

func TestStoreSinkAppends(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "exp")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	sink := NewStoreSink(st)
	require.NoError(t, sink.Record(context.Background(), storage.Experience{At: time.Now(), JobID: "j1", JobType: "backup", Company: "acme", Outcome: "success"}))

	got, err := st.RecentExperiences(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "backup", got[0].JobType)
}

func TestMultiRecordsEverywhere(t *testing.T) {
	var calls int
	ok := sinkFunc(func(context.Context, storage.Experience) error { calls++; return nil })
	boom := sinkFunc(func(context.Context, storage.Experience) error { calls++; return errors.New("boom") })

	m := Multi{boom, nil, ok}
	err := m.Record(context.Background(), storage.Experience{JobID: "j"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 2, calls)

	var _ delegate.ExperienceSink = m
}

func TestRedisSinkKeys(t *testing.T) {
	s := newRedisSink(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", 0)
	defer s.Close()
	assert.Equal(t, DefaultKeyPrefix+":acme", s.key("acme"))
	assert.Equal(t, DefaultKeyPrefix+":_", s.key(""))
	assert.Equal(t, int64(DefaultListMax), s.listMax)
}

func TestNewRedisSinkErrors(t *testing.T) {
	_, err := NewRedisSink(context.Background(), "", "", 0)
	assert.Error(t, err)

	_, err = NewRedisSink(context.Background(), "http://not-redis", "", 0)
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewRedisSink(ctx, "redis://127.0.0.1:1/0", "", 0)
	assert.Error(t, err)
}
