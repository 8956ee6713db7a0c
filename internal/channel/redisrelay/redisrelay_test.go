package redisrelay

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/ir"
	"github.com/roach88/blocksync/internal/metrics"
	"github.com/roach88/blocksync/internal/testutil"
)

func TestEntry_RoundTrip(t *testing.T) {
	m := ir.Message{
		Seq:     9,
		ID:      "stale",
		Session: "ignored",
		Kind:    ir.KindSet,
		Record:  "M1",
		Key:     "x",
		Value:   ir.Object{"type": ir.String("Object"), "n": ir.Int(3)},
		From:    "conn-1/M1",
	}
	data, err := encodeEntry(m)
	require.NoError(t, err)
	assert.NotContains(t, data, "stale")

	got, err := decodeEntry(map[string]any{fieldMessage: data}, "room", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Seq)
	assert.Equal(t, "room", got.Session)
	assert.Equal(t, "M1", got.Record)
	assert.True(t, ir.Equal(m.Value, got.Value))

	want, err := ir.Message{Session: "room", Kind: ir.KindSet, Record: "M1", Key: "x", Value: m.Value, From: "conn-1/M1"}.Sequenced(4)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
}

func TestEntry_AcceptsBytes(t *testing.T) {
	data, err := encodeEntry(ir.Message{Kind: ir.KindSet, Record: "M1", Key: "x"})
	require.NoError(t, err)

	got, err := decodeEntry(map[string]any{fieldMessage: []byte(data)}, "room", 1)
	require.NoError(t, err)
	assert.True(t, ir.IsAbsent(got.Value))
}

func TestEntry_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"missing field", map[string]any{"other": "x"}},
		{"wrong type", map[string]any{fieldMessage: 12}},
		{"bad json", map[string]any{fieldMessage: "{"}},
		{"unknown kind", map[string]any{fieldMessage: `{"seq":0,"session":"","kind":"drop"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEntry(tt.values, "room", 1)
			assert.Error(t, err)
		})
	}
}

// newRedis returns a client for BLOCKSYNC_REDIS_ADDR or skips the test.
func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("BLOCKSYNC_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOCKSYNC_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTransport_SharedOrder(t *testing.T) {
	client := newRedis(t)
	tr := NewTransport(client,
		WithPrefix("blocksync:test:"+t.Name()+":"),
		WithBlock(100*time.Millisecond),
		WithIDGenerator(testutil.NewSequenceGenerator("conn")),
		WithLogger(testutil.QuietLogger()),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Del(ctx, tr.StreamKey("room")).Err())
	t.Cleanup(func() { client.Del(context.Background(), tr.StreamKey("room")) })

	a, err := tr.Connect(ctx, "room")
	require.NoError(t, err)
	defer a.Close()
	b, err := tr.Connect(ctx, "room")
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "conn-1", a.ID())

	require.NoError(t, a.Publish(ctx, ir.Message{Kind: ir.KindSet, Record: "M1", Key: "x", Value: ir.Int(1)}))
	require.NoError(t, b.Publish(ctx, ir.Message{Kind: ir.KindSet, Record: "M1", Key: "x", Value: ir.Int(2)}))

	var seen [2][]ir.Message
	for i, c := range []channel.Conn{a, b} {
		for range 2 {
			m, err := c.Next(ctx)
			require.NoError(t, err)
			seen[i] = append(seen[i], m)
		}
	}
	assert.Equal(t, seen[0], seen[1])
	assert.Equal(t, int64(1), seen[0][0].Seq)
	assert.Equal(t, int64(2), seen[0][1].Seq)

	require.NoError(t, a.Close())
	_, err = a.Next(ctx)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestTransport_NextHonorsContext(t *testing.T) {
	client := newRedis(t)
	tr := NewTransport(client, WithPrefix("blocksync:test:"+t.Name()+":"), WithBlock(50*time.Millisecond))
	c, err := tr.Connect(context.Background(), "empty")
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_RecordsMetrics(t *testing.T) {
	client := newRedis(t)
	reg := prometheus.NewRegistry()
	tr := NewTransport(client,
		WithPrefix("blocksync:test:"+t.Name()+":"),
		WithMetrics(metrics.MustNew(reg)),
		WithLogger(testutil.QuietLogger()),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { client.Del(context.Background(), tr.StreamKey("room")) })

	c, err := tr.Connect(ctx, "room")
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, ir.Message{Kind: ir.KindInit}))
	require.NoError(t, c.Publish(ctx, ir.Message{Kind: ir.KindSet, Record: "M1", Key: "x", Value: ir.Int(1)}))

	expected := `
# HELP blocksync_relay_connections Currently connected participants.
# TYPE blocksync_relay_connections gauge
blocksync_relay_connections 1
# HELP blocksync_relay_messages_sequenced_total Messages assigned a position in a session's total order.
# TYPE blocksync_relay_messages_sequenced_total counter
blocksync_relay_messages_sequenced_total{kind="init"} 1
blocksync_relay_messages_sequenced_total{kind="set"} 1
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"blocksync_relay_connections", "blocksync_relay_messages_sequenced_total"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0.0, gauge(t, reg, "blocksync_relay_connections"))
}

func gauge(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}
