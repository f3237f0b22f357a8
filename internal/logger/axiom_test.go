package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]axiom.Event
	gate    chan struct{}
	err     error
}

func (r *batchRecorder) ingest(ctx context.Context, batch []axiom.Event) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]axiom.Event(nil), batch...))
	return r.err
}

func (r *batchRecorder) events() []axiom.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []axiom.Event
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *batchRecorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.batches))
	for i, b := range r.batches {
		out[i] = len(b)
	}
	return out
}

func TestShipperBatchesAndFlushesOnClose(t *testing.T) {
	rec := &batchRecorder{}
	s := newShipper(rec.ingest, 10, 2, time.Hour)

	for i := 0; i < 5; i++ {
		s.Send(axiom.Event{"n": i})
	}
	assert.Zero(t, s.Close())

	assert.Len(t, rec.events(), 5)
	for _, n := range rec.sizes() {
		assert.LessOrEqual(t, n, 2)
	}
}

func TestShipperCountsOverflowAndFailedBatches(t *testing.T) {
	rec := &batchRecorder{gate: make(chan struct{})}
	s := newShipper(rec.ingest, 1, 1, time.Hour)

	// first event is taken by the loop and blocks in ingest, second fills the buffer
	s.Send(axiom.Event{"n": 0})
	require.Eventually(t, func() bool { return len(s.ch) == 0 }, time.Second, 5*time.Millisecond)
	s.Send(axiom.Event{"n": 1})
	s.Send(axiom.Event{"n": 2})
	s.Send(axiom.Event{"n": 3})

	close(rec.gate)
	assert.EqualValues(t, 2, s.Close())
	assert.Len(t, rec.events(), 2)

	failing := &batchRecorder{err: errors.New("ingest rejected")}
	s = newShipper(failing.ingest, 10, 10, time.Hour)
	s.Send(axiom.Event{"n": 0})
	s.Send(axiom.Event{"n": 1})
	assert.EqualValues(t, 2, s.Close())
}

func TestShipperCloseIsIdempotent(t *testing.T) {
	s := newShipper((&batchRecorder{}).ingest, 1, 1, time.Hour)
	s.Close()
	assert.NotPanics(t, func() { s.Close() })
}

func TestAxiomWriterFiltersAndShapesEvents(t *testing.T) {
	rec := &batchRecorder{}
	s := newShipper(rec.ingest, 10, 10, time.Hour)
	w := &axiomWriter{ship: s, service: "pageviewer", min: zerolog.InfoLevel}

	lg := zerolog.New(w).With().Timestamp().Logger()
	lg.Debug().Msg("render detail")
	lg.Info().Int("page", 4).Msg("page ready")
	lg.Error().Str("service", "worker").Msg("render failed")
	_, err := w.Write([]byte("not json"))
	require.NoError(t, err)
	s.Close()

	evs := rec.events()
	require.Len(t, evs, 3)

	assert.Equal(t, "page ready", evs[0]["message"])
	assert.Equal(t, "pageviewer", evs[0]["service"])
	assert.EqualValues(t, 4, evs[0]["page"])
	assert.IsType(t, time.Time{}, evs[0][ingest.TimestampField])
	assert.NotContains(t, evs[0], zerolog.TimestampFieldName)

	assert.Equal(t, "worker", evs[1]["service"])

	assert.Equal(t, "not json", evs[2]["message"])
	assert.Contains(t, evs[2], ingest.TimestampField)
}
