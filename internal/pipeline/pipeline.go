// Package pipeline wires pollers, persistence, the normalizer, the anomaly
// engine, and notifiers into the batch run.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/anomaly"
	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/normalize"
	"github.com/lvonguyen/loginwatch/internal/notify"
	"github.com/lvonguyen/loginwatch/internal/poller"
	"github.com/lvonguyen/loginwatch/internal/store"
)

// Pipeline runs the poll and analyze stages in strict order. A run either
// completes and persists a new watermark, or fails and leaves it untouched,
// so a failed run is safely retried.
type Pipeline struct {
	cfg        *config.Config
	pollers    []poller.Poller
	store      store.Store
	normalizer *normalize.Normalizer
	engine     *anomaly.Engine
	notifiers  []notify.Notifier
	logger     *zap.Logger
}

// New assembles a Pipeline from its collaborators.
func New(cfg *config.Config, pollers []poller.Poller, st store.Store,
	normalizer *normalize.Normalizer, engine *anomaly.Engine,
	notifiers []notify.Notifier, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		pollers:    pollers,
		store:      st,
		normalizer: normalizer,
		engine:     engine,
		notifiers:  notifiers,
		logger:     logger,
	}
}

// Poll fetches new events from every provider and appends them to the raw
// log.
func (p *Pipeline) Poll(ctx context.Context) error {
	checkpoints, err := p.store.GetLast(ctx, p.fieldMaps())
	if err != nil {
		return fmt.Errorf("loading checkpoints: %w", err)
	}

	data := make(map[string][]event.Raw, len(p.pollers))
	for _, pl := range p.pollers {
		p.logger.Info("polling for new events", zap.String("provider", pl.Name()))
		events, err := pl.Poll(ctx, checkpoints[pl.Name()])
		if err != nil {
			return fmt.Errorf("polling %s: %w", pl.Name(), err)
		}
		p.logger.Info("polled provider",
			zap.String("provider", pl.Name()), zap.Int("events", len(events)))
		data[pl.Name()] = events
	}

	if err := p.store.Persist(ctx, data); err != nil {
		return fmt.Errorf("persisting raw events: %w", err)
	}
	return nil
}

// Analyze replays the stored history through the normalizer and anomaly
// engine, delivers the alert set, and advances the watermark. The watermark
// moves only after scoring and delivery both complete.
func (p *Pipeline) Analyze(ctx context.Context) (*anomaly.Result, error) {
	p.logger.Info("loading stored data")
	data, err := p.store.GetHistoricalData(ctx, p.fieldMaps(), p.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading historical data: %w", err)
	}

	batches := make([]normalize.Batch, 0, len(p.pollers))
	for _, pl := range p.pollers {
		users := p.cfg.UserConfig(pl.Name())
		batches = append(batches, normalize.Batch{
			Provider: pl.Name(),
			Fields:   pl.Fields(),
			Users: normalize.UserRules{
				AliasMap:      users.UserMap,
				DefaultDomain: users.UserDomain,
			},
			Events: data[pl.Name()],
		})
	}

	p.logger.Info("preprocessing data")
	normalized, err := p.normalizer.Normalize(batches)
	if err != nil {
		return nil, err
	}

	watermark, err := p.store.GetLastAnalyzed(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading watermark: %w", err)
	}

	p.logger.Info("analyzing data",
		zap.Int("events", len(normalized)), zap.Float64("watermark", watermark))
	result, err := p.engine.Analyze(ctx, normalized, watermark)
	if err != nil {
		return nil, err
	}

	if err := p.deliver(ctx, result.Alerts); err != nil {
		return nil, err
	}

	if result.NewWatermark > watermark {
		if err := p.store.PersistLastAnalyzed(ctx, result.NewWatermark); err != nil {
			return nil, fmt.Errorf("persisting watermark: %w", err)
		}
	}
	return result, nil
}

// Run executes both stages.
func (p *Pipeline) Run(ctx context.Context) (*anomaly.Result, error) {
	if err := p.Poll(ctx); err != nil {
		return nil, err
	}
	return p.Analyze(ctx)
}

// deliver hands the alert set to every configured notifier, or logs each
// alert when none are configured.
func (p *Pipeline) deliver(ctx context.Context, alerts []event.Raw) error {
	if len(p.notifiers) == 0 {
		for _, alert := range alerts {
			p.logger.Info("anomalous login",
				zap.String("location", alert.String(event.AnnotationLocation)),
				zap.String("asn", alert.String(event.AnnotationASN)),
				zap.Any("event", alert))
		}
		return nil
	}
	for _, n := range p.notifiers {
		if err := n.Notify(ctx, alerts); err != nil {
			return fmt.Errorf("notifier %s: %w", n.Name(), err)
		}
	}
	return nil
}

func (p *Pipeline) fieldMaps() map[string]event.FieldMap {
	fields := make(map[string]event.FieldMap, len(p.pollers))
	for _, pl := range p.pollers {
		fields[pl.Name()] = pl.Fields()
	}
	return fields
}
