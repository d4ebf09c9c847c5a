// Package agent assembles the pipeline: registry + stores + ingest
// sequencer + adapter clients + HTTP server, supervised as one unit. Stop
// order matters: intake closes first, the queue drains, then the HTTP
// listener goes down gracefully.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/micheletedeschi/mtconnect-agent/internal/adapter"
	"github.com/micheletedeschi/mtconnect-agent/internal/asset"
	"github.com/micheletedeschi/mtconnect-agent/internal/config"
	"github.com/micheletedeschi/mtconnect-agent/internal/ingest"
	"github.com/micheletedeschi/mtconnect-agent/internal/lockfile"
	"github.com/micheletedeschi/mtconnect-agent/internal/mtcxml"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/shdr"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
	"github.com/micheletedeschi/mtconnect-agent/internal/telemetry"
	"github.com/micheletedeschi/mtconnect-agent/internal/validation"
	"github.com/micheletedeschi/mtconnect-agent/internal/web"
)

// Agent is one assembled MTConnect agent instance.
type Agent struct {
	cfg      *config.Config
	registry *schema.Registry
	obs      *store.Store
	assets   *asset.Store
	seq      *ingest.Sequencer
	server   *web.Server
	clients  []*adapter.Client
	metrics  *telemetry.Metrics
	lock     *lockfile.Lock

	shutdownMetrics func(context.Context) error
}

// New loads device schemas, validates any configured device XML, and wires
// the pipeline. Schema or validation failure for a configured device is
// fatal.
func New(cfg *config.Config) (*Agent, error) {
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		registry: schema.NewRegistry(),
		obs:      store.New(cfg.BufferSize),
		assets:   asset.NewStore(cfg.AssetBufferSize),
		lock:     lock,
	}

	if cfg.Metrics.Stdout {
		shutdown, err := telemetry.SetupStdoutExport(cfg.Metrics.Interval)
		if err != nil {
			lock.Release()
			return nil, err
		}
		a.shutdownMetrics = shutdown
	}
	metrics, err := telemetry.New()
	if err != nil {
		lock.Release()
		return nil, err
	}
	a.metrics = metrics

	for _, dev := range cfg.Devices {
		if dev.XMLFile != "" {
			xmlBytes, err := os.ReadFile(cfg.ResolveFile(dev.XMLFile))
			if err != nil {
				lock.Release()
				return nil, fmt.Errorf("reading device xml for %s: %w", dev.UUID, err)
			}
			if err := validation.ValidateDeviceXML(xmlBytes, cfg.ValidatorCmd); err != nil {
				lock.Release()
				return nil, fmt.Errorf("device %s: %w", dev.UUID, err)
			}
		}
		schemaBytes, err := os.ReadFile(cfg.ResolveFile(dev.SchemaFile))
		if err != nil {
			lock.Release()
			return nil, fmt.Errorf("reading schema for %s: %w", dev.UUID, err)
		}
		if err := a.registry.InsertSchema(schemaBytes); err != nil {
			lock.Release()
			return nil, fmt.Errorf("device %s: %w", dev.UUID, err)
		}
	}

	a.seq = ingest.New(a.registry, a.obs, a.assets, a.metrics)

	hostname, _ := os.Hostname()
	ser := &mtcxml.Serializer{
		Sender:     hostname,
		InstanceID: time.Now().Unix(),
		Version:    "1.3",
		BufferSize: a.obs.Capacity(),
	}
	a.server = web.NewServer(cfg.ListenAddr(), a.registry, a.obs, a.assets, ser, a.metrics)

	parser := shdr.New(a.registry)
	for _, dev := range cfg.Devices {
		if dev.Adapter == "" {
			continue
		}
		a.clients = append(a.clients, adapter.NewClient(dev.Adapter, dev.UUID, parser, a.seq, a.metrics))
	}

	return a, nil
}

// Registry exposes the schema registry (the package tests use it).
func (a *Agent) Registry() *schema.Registry { return a.registry }

// Run starts everything and blocks until ctx is cancelled or a component
// fails fatally. Adapter connection loss is retried inside the client and
// never surfaces here.
func (a *Agent) Run(ctx context.Context) error {
	defer a.lock.Release()
	if a.shutdownMetrics != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.shutdownMetrics(shutdownCtx)
		}()
	}

	if a.cfg.Path != "" {
		err := a.cfg.Watch(ctx, func(path string) {
			log.Printf("agent: %s changed; restart the agent to apply", path)
		})
		if err != nil {
			log.Printf("agent: config watch disabled: %v", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	// The HTTP server has its own context, cancelled only once the sequencer
	// has closed intake and drained its queue.
	httpCtx, stopHTTP := context.WithCancel(context.Background())
	defer stopHTTP()
	g.Go(func() error {
		defer stopHTTP()
		return a.seq.Run(ctx)
	})
	g.Go(func() error { return a.server.Start(httpCtx) })
	for _, c := range a.clients {
		c := c
		g.Go(func() error {
			err := c.Run(ctx)
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	log.Printf("agent: listening on %s with %d device(s)", a.cfg.ListenAddr(), len(a.cfg.Devices))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
