package pruner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xtrntr/volumegate/internal/exchange"
	"github.com/xtrntr/volumegate/internal/models"
	"github.com/xtrntr/volumegate/internal/volume"
)

type fakeChannel struct {
	mu        sync.Mutex
	members   []models.Member
	pageCalls [][2]int
	revoked   []int64
	listErr   error
	revokeErr map[int64]error
}

func newChannel(n int) *fakeChannel {
	ch := &fakeChannel{revokeErr: map[int64]error{}}
	for i := 1; i <= n; i++ {
		ch.members = append(ch.members, models.Member{ID: int64(i), Username: fmt.Sprintf("user%d", i)})
	}
	return ch
}

func (c *fakeChannel) Members(_ context.Context, offset, limit int) ([]models.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageCalls = append(c.pageCalls, [2]int{offset, limit})
	if c.listErr != nil {
		return nil, c.listErr
	}
	if offset >= len(c.members) {
		return nil, nil
	}
	end := offset + limit
	if end > len(c.members) {
		end = len(c.members)
	}
	return append([]models.Member(nil), c.members[offset:end]...), nil
}

func (c *fakeChannel) RevokeView(_ context.Context, m models.Member) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.revokeErr[m.ID]; err != nil {
		return err
	}
	c.revoked = append(c.revoked, m.ID)
	return nil
}

type mapResolver map[int64]string

func (r mapResolver) ResolveUID(_ context.Context, id int64) (string, error) {
	if uid, ok := r[id]; ok && uid == "error" {
		return "", errors.New("db down")
	}
	return r[id], nil
}

// everyoneResolver maps member n to uid-n
type everyoneResolver struct{}

func (everyoneResolver) ResolveUID(_ context.Context, id int64) (string, error) {
	return fmt.Sprintf("uid-%d", id), nil
}

type fakeAggregator struct {
	totals map[string]float64
	failed map[string]bool
	calls  []string
}

func (a *fakeAggregator) Total(_ context.Context, uid string, names []exchange.Name) volume.Report {
	a.calls = append(a.calls, uid)
	report := volume.Report{UID: uid, Total: a.totals[uid], PerExchange: map[exchange.Name]float64{}, Failed: map[exchange.Name]error{}}
	if a.failed[uid] {
		report.Failed[exchange.OKX] = errors.New("okx unavailable")
	}
	return report
}

func TestPruner_PaginatesInPagesOf100(t *testing.T) {
	ch := newChannel(250)
	agg := &fakeAggregator{totals: map[string]float64{}}
	p := New(ch, everyoneResolver{}, agg, Config{}, zaptest.NewLogger(t))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][2]int{{0, 100}, {100, 100}, {200, 100}}, ch.pageCalls)
	assert.Equal(t, 250, summary.Scanned)
	assert.Equal(t, 250, summary.Removed)
	assert.Len(t, agg.calls, 250)
}

func TestPruner_FullLastPageRequestsOneMore(t *testing.T) {
	ch := newChannel(200)
	p := New(ch, NoopResolver{}, &fakeAggregator{}, Config{}, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{0, 100}, {100, 100}, {200, 100}}, ch.pageCalls)
	assert.Equal(t, 200, summary.Skipped)
}

func TestPruner_EmptyChannel(t *testing.T) {
	ch := newChannel(0)
	summary, err := New(ch, everyoneResolver{}, &fakeAggregator{}, Config{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Len(t, ch.pageCalls, 1)
}

func TestPruner_Decisions(t *testing.T) {
	tests := []struct {
		name       string
		uid        string
		total      float64
		failed     bool
		revokeErr  error
		wantRevoke bool
		check      func(t *testing.T, s Summary)
	}{
		{name: "BelowThreshold", uid: "u", total: 149999.99, wantRevoke: true,
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Removed) }},
		{name: "ExactlyThresholdIsKept", uid: "u", total: 150000,
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Kept) }},
		{name: "AboveThreshold", uid: "u", total: 1e6,
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Kept) }},
		{name: "NoUID", uid: "",
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Skipped) }},
		{name: "ResolverError", uid: "error",
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Skipped) }},
		{name: "PartialFailureIsUnknown", uid: "u", total: 10, failed: true,
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Unknown) }},
		{name: "RevokeFailure", uid: "u", total: 10, revokeErr: errors.New("forbidden"),
			check: func(t *testing.T, s Summary) { assert.Equal(t, 1, s.Failed) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newChannel(1)
			if tt.revokeErr != nil {
				ch.revokeErr[1] = tt.revokeErr
			}
			agg := &fakeAggregator{
				totals: map[string]float64{tt.uid: tt.total},
				failed: map[string]bool{tt.uid: tt.failed},
			}
			p := New(ch, mapResolver{1: tt.uid}, agg, Config{}, zaptest.NewLogger(t))

			summary, err := p.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, summary.Scanned)
			if tt.wantRevoke {
				assert.Equal(t, []int64{1}, ch.revoked)
			} else {
				assert.Empty(t, ch.revoked)
			}
			tt.check(t, summary)
		})
	}
}

func TestPruner_ContinuesAfterRevokeFailure(t *testing.T) {
	ch := newChannel(3)
	ch.revokeErr[2] = errors.New("chat admin required")
	agg := &fakeAggregator{totals: map[string]float64{}}

	summary, err := New(ch, everyoneResolver{}, agg, Config{}, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ch.revoked)
	assert.Equal(t, 2, summary.Removed)
	assert.Equal(t, 1, summary.Failed)
}

func TestPruner_ListingErrorAborts(t *testing.T) {
	ch := newChannel(5)
	ch.listErr = errors.New("flood wait")
	agg := &fakeAggregator{}

	_, err := New(ch, everyoneResolver{}, agg, Config{}, nil).Run(context.Background())
	assert.ErrorContains(t, err, "flood wait")
	assert.Empty(t, agg.calls)
	assert.Empty(t, ch.revoked)
}

func TestPruner_CustomThresholdAndExchanges(t *testing.T) {
	ch := newChannel(2)
	agg := &fakeAggregator{totals: map[string]float64{"uid-1": 500, "uid-2": 1500}}
	cfg := Config{MinVolume: 1000, PageSize: 1, Exchanges: []exchange.Name{exchange.Bybit}}

	summary, err := New(ch, everyoneResolver{}, agg, cfg, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ch.revoked)
	assert.Equal(t, 1, summary.Kept)
	assert.Equal(t, [][2]int{{0, 1}, {1, 1}, {2, 1}}, ch.pageCalls)
}

func TestPruner_NoopResolverLogsMissingUID(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ch := newChannel(2)

	summary, err := New(ch, NoopResolver{}, &fakeAggregator{}, Config{}, zap.New(core)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 2, logs.FilterMessage("no uid found for member").Len())
}

func TestPruner_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := newChannel(3)
	_, err := New(ch, everyoneResolver{}, &fakeAggregator{}, Config{}, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ch.revoked)
}

// syncingChannel adds members through SyncMembers, the way chat_member
// updates reach the registry
type syncingChannel struct {
	*fakeChannel
	pending []models.Member
	syncErr error
	synced  int
}

func (c *syncingChannel) SyncMembers(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced++
	if c.syncErr != nil {
		return 0, c.syncErr
	}
	n := len(c.pending)
	c.members = append(c.members, c.pending...)
	c.pending = nil
	return n, nil
}

func TestPruner_SyncsBeforeListing(t *testing.T) {
	ch := &syncingChannel{
		fakeChannel: newChannel(1),
		pending:     []models.Member{{ID: 2, Username: "late"}},
	}
	agg := &fakeAggregator{totals: map[string]float64{"uid-1": 200000}}

	summary, err := New(ch, everyoneResolver{}, agg, Config{}, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ch.synced)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Kept)
	assert.Equal(t, []int64{2}, ch.revoked)
}

func TestPruner_SyncErrorAborts(t *testing.T) {
	ch := &syncingChannel{fakeChannel: newChannel(3), syncErr: errors.New("webhook is active")}
	agg := &fakeAggregator{}

	_, err := New(ch, everyoneResolver{}, agg, Config{}, nil).Run(context.Background())
	assert.ErrorContains(t, err, "webhook is active")
	assert.Empty(t, ch.pageCalls)
	assert.Empty(t, agg.calls)
}
