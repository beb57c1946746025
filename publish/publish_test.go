package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fortressi/crosschain/kv"
)

type status struct {
	State string `json:"state"`
	Step  int    `json:"step,omitempty"`
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "portfolios.portfolio0.flows.flow1", Join("portfolios", "portfolio0", "", "flows", "flow1"))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Publish("a", 1)
	r.Publish("b", 2)
	r.Publish("a", 3)

	assert.Equal(t, []any{1, 3}, r.History("a"))
	latest, ok := r.Latest("a")
	require.True(t, ok)
	assert.Equal(t, 3, latest)
	_, ok = r.Latest("missing")
	assert.False(t, ok)
	assert.Len(t, r.Entries(), 3)
}

func TestStorePublisherHistorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	p := NewStorePublisher(store, nil)
	p.Publish("flows.flow1", status{State: "run", Step: 1})
	p.Publish("flows.flow1", status{State: "run", Step: 2})

	restarted := NewStorePublisher(store, nil)
	restarted.Publish("flows.flow1", status{State: "done"})

	history, err := restarted.History(ctx, "flows.flow1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.JSONEq(t, `{"state":"run","step":1}`, string(history[0]))
	assert.JSONEq(t, `{"state":"done"}`, string(history[2]))

	var latest status
	require.NoError(t, restarted.Latest(ctx, "flows.flow1", &latest))
	assert.Equal(t, "done", latest.State)
}

func TestStorePublisherLogsEncodingFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	p := NewStorePublisher(kv.NewMemoryStore(), zap.New(core))

	p.Publish("bad", make(chan int))

	assert.Equal(t, 1, logs.FilterMessage("failed to encode published value").Len())
}

func TestMultiAndLogPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := NewRecorder()
	m := Multi{rec, LogPublisher{Logger: zap.New(core)}, nil, Nop{}}

	m.Publish("pendingTxs.tx0", map[string]string{"status": "pending"})

	assert.Len(t, rec.Entries(), 1)
	assert.Equal(t, 1, logs.FilterField(zap.String("path", "pendingTxs.tx0")).Len())
}
