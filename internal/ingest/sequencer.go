// Package ingest funnels all parser output through a single sequencer
// goroutine. The sequencer is the only writer of the observation and asset
// stores, which is what keeps sequence numbers consecutive for the fields
// of one line and orders derived asset events after their mutations.
package ingest

import (
	"context"
	"log"
	"sync"

	"github.com/micheletedeschi/mtconnect-agent/internal/asset"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/shdr"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
	"github.com/micheletedeschi/mtconnect-agent/internal/telemetry"
)

// defaultQueueDepth bounds the channel between adapter readers and the
// sequencer. Readers block when the sequencer falls behind.
const defaultQueueDepth = 256

// Sequencer owns store mutation. Adapter readers submit parsed results;
// HTTP handlers never touch it.
type Sequencer struct {
	registry *schema.Registry
	obs      *store.Store
	assets   *asset.Store
	metrics  *telemetry.Metrics

	in        chan *shdr.Result
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a sequencer over the given stores. metrics may be nil.
func New(reg *schema.Registry, obs *store.Store, assets *asset.Store, metrics *telemetry.Metrics) *Sequencer {
	return &Sequencer{
		registry: reg,
		obs:      obs,
		assets:   assets,
		metrics:  metrics,
		in:       make(chan *shdr.Result, defaultQueueDepth),
		done:     make(chan struct{}),
	}
}

// Submit queues a parsed result. It blocks while the queue is full and
// drops the result once intake has been closed.
func (s *Sequencer) Submit(res *shdr.Result) {
	select {
	case <-s.done:
	case s.in <- res:
	}
}

// Run applies queued results until Close is called and the queue drains,
// or until ctx is cancelled (which closes intake and then drains).
func (s *Sequencer) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	for {
		select {
		case res := <-s.in:
			s.Apply(context.Background(), res)
		case <-s.done:
			// Intake is closed; drain whatever is still queued.
			for {
				select {
				case res := <-s.in:
					s.Apply(context.Background(), res)
				default:
					return nil
				}
			}
		}
	}
}

// Close stops intake. Queued results still drain through Run.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Apply performs the store mutations for one parsed result. Exported so
// tests and synchronous loaders can bypass the queue; the caller must not
// race it with a running sequencer.
func (s *Sequencer) Apply(ctx context.Context, res *shdr.Result) {
	switch {
	case res.Line != nil:
		s.applyLine(ctx, res.Line)
	case res.Asset != nil:
		s.applyAsset(ctx, res.Asset)
	}
}

func (s *Sequencer) applyLine(ctx context.Context, line *shdr.Line) {
	telemetry.Add(ctx, s.metrics.LinesCounter(), 1)
	for _, item := range line.Items {
		if obs := s.obs.Update(item.DataItem, line.Time, item.Value); obs == nil {
			telemetry.Add(ctx, s.metrics.SuppressedCounter(), 1)
		} else {
			telemetry.Add(ctx, s.metrics.ObservationsCounter(), 1)
		}
	}
}

// applyAsset runs the asset mutation, then sequences its derived events.
// A remove whose target is the most recently changed asset additionally
// reverts ASSET_CHANGED to UNAVAILABLE, after the ASSET_REMOVED.
func (s *Sequencer) applyAsset(ctx context.Context, cmd *shdr.AssetCommand) {
	telemetry.Add(ctx, s.metrics.AssetCommandsCounter(), 1)

	var events []asset.Event
	var err error
	switch cmd.Verb {
	case shdr.VerbAsset:
		events, err = s.assets.Add(cmd.AssetID, cmd.AssetType, cmd.Time, cmd.Body, cmd.DeviceUUID)
	case shdr.VerbUpdateAsset:
		events, err = s.assets.Update(cmd.AssetID, cmd.Time, cmd.Body, cmd.DeviceUUID)
	case shdr.VerbRemoveAsset:
		events, err = s.assets.Remove(cmd.AssetID, cmd.Time, cmd.DeviceUUID)
	case shdr.VerbRemoveAll:
		events, err = s.assets.RemoveAll(cmd.AssetType, cmd.Time, cmd.DeviceUUID)
	}
	if err != nil {
		log.Printf("ingest: asset command %s %s: %v", cmd.Verb, cmd.AssetID, err)
		return
	}

	for _, ev := range events {
		switch ev.Kind {
		case asset.EventChanged:
			if di := s.registry.SyntheticAssetChanged(ev.DeviceUUID); di != nil {
				s.obs.ForceUpdate(di, ev.Time, store.Scalar(ev.AssetID))
			}
		case asset.EventRemoved:
			if di := s.registry.SyntheticAssetRemoved(ev.DeviceUUID); di != nil {
				s.obs.ForceUpdate(di, ev.Time, store.Scalar(ev.AssetID))
			}
			chg := s.registry.SyntheticAssetChanged(ev.DeviceUUID)
			if chg == nil {
				continue
			}
			if cur := s.obs.Current(chg.ID); cur != nil && cur.Value.Equal(store.Scalar(ev.AssetID)) {
				s.obs.ForceUpdate(chg, ev.Time, store.Scalar("UNAVAILABLE"))
			}
		}
	}
}
