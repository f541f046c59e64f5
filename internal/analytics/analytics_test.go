package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookforge/bookforge/internal/orchestrate"
)

type capturedEvent struct {
	kind    string
	payload string
}

type fakeExecer struct {
	events chan capturedEvent
}

func (f *fakeExecer) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.events <- capturedEvent{kind: args[0].(string), payload: string(args[1].([]byte))}
	return pgconn.CommandTag{}, nil
}

func TestRecordChainWritesEvent(t *testing.T) {
	t.Parallel()

	db := &fakeExecer{events: make(chan capturedEvent, 1)}
	e := New(db, nil)

	e.RecordChain(context.Background(), orchestrate.ChainRecord{
		Orchestrator: "resolve_isbn",
		Operation:    "The Hobbit",
		Attempts: []orchestrate.Attempt{
			{Provider: "pagedex"},
			{Provider: "openlib"},
		},
		Winner:   "openlib",
		Duration: 120 * time.Millisecond,
		Success:  true,
	})

	select {
	case ev := <-db.events:
		assert.Equal(t, "orchestrator_chain", ev.kind)
		assert.Contains(t, ev.payload, `"successful_provider":"openlib"`)
		assert.Contains(t, ev.payload, "pagedex")
	case <-time.After(2 * time.Second):
		t.Fatal("no analytics event written")
	}
}

func TestEmitterWithoutDatabase(t *testing.T) {
	t.Parallel()

	e := New(nil, nil)
	require.NotPanics(t, func() {
		e.RecordChain(context.Background(), orchestrate.ChainRecord{Orchestrator: "ratings"})
		e.QueueOutcome(context.Background(), "covers", "ack", map[string]any{"isbn": "x"})
		e.CallsSaved(context.Background(), 49)
		e.CallsSaved(context.Background(), 0)
	})
}
