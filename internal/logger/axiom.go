package logger

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
)

const (
	shipBuffer    = 1000
	shipBatchSize = 200
)

// ingestFunc delivers one batch to the log backend.
type ingestFunc func(ctx context.Context, batch []axiom.Event) error

// axiomWriter turns zerolog JSON lines into Axiom events. Lines below min
// are skipped so render-level debug noise stays local.
type axiomWriter struct {
	ship    *shipper
	service string
	min     zerolog.Level
}

func (w *axiomWriter) Write(p []byte) (int, error) {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]any{zerolog.MessageFieldName: string(p), zerolog.LevelFieldName: zerolog.InfoLevel.String()}
	}
	if s, ok := ev[zerolog.LevelFieldName].(string); ok {
		if lvl, err := zerolog.ParseLevel(s); err == nil && lvl < w.min {
			return len(p), nil
		}
	}
	if _, ok := ev["service"]; !ok {
		ev["service"] = w.service
	}
	// zerolog's "time" field is a string; Axiom wants its own timestamp key
	if t, ok := ev[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			ev[ingest.TimestampField] = ts
			delete(ev, zerolog.TimestampFieldName)
		}
	}
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	w.ship.Send(axiom.Event(ev))
	return len(p), nil
}

// shipper batches events in the background and hands them to ingest.
// Send never blocks; events are dropped and counted when the buffer is full.
type shipper struct {
	ingest    ingestFunc
	ch        chan axiom.Event
	batchSize int
	dropped   atomic.Int64

	wg     sync.WaitGroup
	done   chan struct{}
	closed sync.Once
}

func newAxiomShipper(token, orgID, dataset string, flushEvery time.Duration) (*shipper, error) {
	if dataset == "" {
		dataset = "dev_" + defaultService
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	send := func(ctx context.Context, batch []axiom.Event) error {
		_, err := c.IngestEvents(ctx, dataset, batch)
		return err
	}
	return newShipper(send, shipBuffer, shipBatchSize, flushEvery), nil
}

func newShipper(fn ingestFunc, buffer, batchSize int, flushEvery time.Duration) *shipper {
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	s := &shipper{
		ingest:    fn,
		ch:        make(chan axiom.Event, buffer),
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(flushEvery)
	return s
}

func (s *shipper) Send(ev axiom.Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *shipper) loop(flushEvery time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]axiom.Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := s.ingest(ctx, batch); err != nil {
			s.dropped.Add(int64(len(batch)))
		}
		cancel()
		batch = make([]axiom.Event, 0, s.batchSize)
	}
	for {
		select {
		case <-s.done:
			// drain what was queued before Close
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		}
	}
}

// Close flushes queued events and reports how many were lost.
func (s *shipper) Close() int64 {
	s.closed.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.dropped.Load()
}
