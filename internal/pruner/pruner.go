// Package pruner revokes channel access from members whose aggregate
// exchange volume is below a threshold.
package pruner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/exchange"
	"github.com/xtrntr/volumegate/internal/metrics"
	"github.com/xtrntr/volumegate/internal/models"
	"github.com/xtrntr/volumegate/internal/volume"
)

const (
	DefaultPageSize  = 100
	DefaultMinVolume = 150000.0
)

// Channel is the messaging channel whose membership is pruned
type Channel interface {
	Members(ctx context.Context, offset, limit int) ([]models.Member, error)
	RevokeView(ctx context.Context, member models.Member) error
}

// Syncer is implemented by channels whose member list has to be refreshed
// before it is enumerated
type Syncer interface {
	SyncMembers(ctx context.Context) (int, error)
}

// UIDResolver maps a channel member to the exchange UID they trade under
type UIDResolver interface {
	ResolveUID(ctx context.Context, memberID int64) (string, error)
}

// NoopResolver never resolves a UID, so every member is skipped
type NoopResolver struct{}

func (NoopResolver) ResolveUID(context.Context, int64) (string, error) { return "", nil }

// Aggregator sums a UID's volume over a set of exchanges
type Aggregator interface {
	Total(ctx context.Context, uid string, names []exchange.Name) volume.Report
}

// Summary counts what happened to each member during one run
type Summary struct {
	Scanned int
	Skipped int // no UID linked, or UID lookup failed
	Unknown int // at least one exchange failed
	Removed int
	Failed  int // revoke failed
	Kept    int
}

// Config tunes a Pruner
type Config struct {
	MinVolume float64
	PageSize  int
	Exchanges []exchange.Name
}

// Pruner runs the membership pruning job
type Pruner struct {
	channel    Channel
	resolver   UIDResolver
	aggregator Aggregator
	cfg        Config
	log        *zap.Logger
}

// New creates a Pruner. Zero values in cfg fall back to the defaults and the
// full exchange set.
func New(channel Channel, resolver UIDResolver, aggregator Aggregator, cfg Config, log *zap.Logger) *Pruner {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MinVolume == 0 {
		cfg.MinVolume = DefaultMinVolume
	}
	if len(cfg.Exchanges) == 0 {
		cfg.Exchanges = exchange.Supported()
	}
	if resolver == nil {
		resolver = NoopResolver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pruner{channel: channel, resolver: resolver, aggregator: aggregator, cfg: cfg, log: log}
}

// Run enumerates the whole channel, then evaluates each member once.
// Members whose total is strictly below MinVolume lose view access.
func (p *Pruner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	if syncer, ok := p.channel.(Syncer); ok {
		applied, err := syncer.SyncMembers(ctx)
		if err != nil {
			metrics.PrunerRuns.WithLabelValues("error").Inc()
			return summary, fmt.Errorf("failed to sync channel members: %w", err)
		}
		p.log.Debug("synced channel members", zap.Int("changes", applied))
	}

	members, err := p.listMembers(ctx)
	if err != nil {
		metrics.PrunerRuns.WithLabelValues("error").Inc()
		return summary, err
	}
	p.log.Info("pruning channel", zap.Int("members", len(members)), zap.Float64("min_volume", p.cfg.MinVolume))

	for _, member := range members {
		if err := ctx.Err(); err != nil {
			metrics.PrunerRuns.WithLabelValues("canceled").Inc()
			return summary, err
		}
		summary.Scanned++
		decision := p.evaluate(ctx, member)
		metrics.PrunedMembers.WithLabelValues(decision).Inc()
		switch decision {
		case "skipped":
			summary.Skipped++
		case "unknown":
			summary.Unknown++
		case "removed":
			summary.Removed++
		case "failed":
			summary.Failed++
		default:
			summary.Kept++
		}
	}

	metrics.PrunerRuns.WithLabelValues("ok").Inc()
	p.log.Info("pruning finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("removed", summary.Removed),
		zap.Int("kept", summary.Kept),
		zap.Int("skipped", summary.Skipped),
		zap.Int("unknown", summary.Unknown),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return summary, nil
}

func (p *Pruner) listMembers(ctx context.Context) ([]models.Member, error) {
	var members []models.Member
	offset := 0
	for {
		page, err := p.channel.Members(ctx, offset, p.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list channel members at offset %d: %w", offset, err)
		}
		if len(page) == 0 {
			break
		}
		members = append(members, page...)
		offset += len(page)
		if len(page) < p.cfg.PageSize {
			break
		}
	}
	return members, nil
}

func (p *Pruner) evaluate(ctx context.Context, member models.Member) string {
	log := p.log.With(zap.Int64("member_id", member.ID), zap.String("member", member.DisplayName()))

	uid, err := p.resolver.ResolveUID(ctx, member.ID)
	if err != nil {
		log.Error("failed to resolve uid", zap.Error(err))
		return "skipped"
	}
	if uid == "" {
		log.Warn("no uid found for member")
		return "skipped"
	}

	report := p.aggregator.Total(ctx, uid, p.cfg.Exchanges)
	for _, name := range p.cfg.Exchanges {
		if _, failed := report.Failed[name]; failed {
			continue
		}
		log.Info("exchange volume", zap.String("exchange", string(name)), zap.Float64("volume", report.PerExchange[name]))
	}
	if !report.Complete() {
		failed := make([]string, 0, len(report.Failed))
		for name := range report.Failed {
			failed = append(failed, string(name))
		}
		log.Warn("volume unknown, keeping member", zap.Strings("failed_exchanges", failed), zap.Float64("partial_total", report.Total))
		return "unknown"
	}

	if report.Total >= p.cfg.MinVolume {
		return "kept"
	}

	if err := p.channel.RevokeView(ctx, member); err != nil {
		log.Error("failed to revoke view access", zap.Float64("volume", report.Total), zap.Error(err))
		return "failed"
	}
	log.Info("removed member", zap.Float64("volume", report.Total))
	return "removed"
}
