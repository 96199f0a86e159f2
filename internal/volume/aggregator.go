// Package volume sums per-exchange volumes for a UID
package volume

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/volumegate/internal/exchange"
)

// Fetcher returns one exchange's volume for a UID
type Fetcher interface {
	FetchVolume(ctx context.Context, name exchange.Name, uid string) (float64, error)
}

// Report is the outcome of aggregating a UID across a set of exchanges
type Report struct {
	UID         string
	Total       float64
	PerExchange map[exchange.Name]float64
	Failed      map[exchange.Name]error
}

// Complete reports whether every exchange answered
func (r Report) Complete() bool {
	return len(r.Failed) == 0
}

// Aggregator fans a UID out to exchanges and sums the answers
type Aggregator struct {
	fetcher    Fetcher
	concurrent bool
	log        *zap.Logger
}

type Option func(*Aggregator)

// WithConcurrency queries all exchanges at once instead of one after another
func WithConcurrency(enabled bool) Option {
	return func(a *Aggregator) { a.concurrent = enabled }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

func NewAggregator(fetcher Fetcher, opts ...Option) *Aggregator {
	a := &Aggregator{fetcher: fetcher, log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Total queries every exchange in names for uid. A failing exchange
// contributes 0 and is recorded in Report.Failed; it never aborts the others.
func (a *Aggregator) Total(ctx context.Context, uid string, names []exchange.Name) Report {
	report := Report{
		UID:         uid,
		PerExchange: make(map[exchange.Name]float64, len(names)),
		Failed:      make(map[exchange.Name]error),
	}

	if a.concurrent {
		a.fanOut(ctx, uid, names, &report)
	} else {
		for _, name := range names {
			volume, err := a.fetcher.FetchVolume(ctx, name, uid)
			a.record(&report, name, volume, err)
		}
	}

	for _, name := range names {
		report.Total += report.PerExchange[name]
	}
	return report
}

func (a *Aggregator) fanOut(ctx context.Context, uid string, names []exchange.Name, report *Report) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		name := name
		g.Go(func() error {
			volume, err := a.fetcher.FetchVolume(ctx, name, uid)
			mu.Lock()
			a.record(report, name, volume, err)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

func (a *Aggregator) record(report *Report, name exchange.Name, volume float64, err error) {
	if err != nil {
		a.log.Warn("exchange volume unavailable",
			zap.String("exchange", string(name)),
			zap.String("uid", report.UID),
			zap.Error(err),
		)
		report.Failed[name] = err
		report.PerExchange[name] = 0
		return
	}
	report.PerExchange[name] = volume
}
