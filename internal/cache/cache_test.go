package cache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"cryptopulse/internal/metrics"
	"cryptopulse/internal/model"
)

func TestSnapshotCacheFailOpen(t *testing.T) {
	c := &SnapshotCache{}
	snapshot, lastFetch, ok := c.Get()
	assert.False(t, ok)
	assert.Nil(t, snapshot)
	assert.True(t, lastFetch.IsZero())
}

func TestSnapshotCacheSetGetClones(t *testing.T) {
	c := &SnapshotCache{}
	fetchedAt := time.Now()
	c.Set([]model.Instrument{{Symbol: "BTC"}}, fetchedAt)

	snapshot, got, ok := c.Get()
	assert.True(t, ok)
	assert.Equal(t, fetchedAt, got)
	assert.Len(t, snapshot, 1)

	snapshot[0].Symbol = "MUTATED"
	snapshot2, _, _ := c.Get()
	assert.Equal(t, "BTC", snapshot2[0].Symbol, "Get must return a clone, not the internal slice")
}

func TestHistoricalCacheMiss(t *testing.T) {
	c := NewHistoricalCache()
	_, ok := c.Get("BTC:24h")
	assert.False(t, ok)
}

func TestHistoricalCacheSetGet(t *testing.T) {
	c := NewHistoricalCache()
	series := model.Series{Success: true, Data: []model.Point{{Timestamp: 1, Price: 2}}}
	c.Set("BTC:24h", series)

	got, ok := c.Get("BTC:24h")
	assert.True(t, ok)
	assert.Equal(t, series, got)
}

func TestLogoCacheEvictsStaleEntries(t *testing.T) {
	c := NewLogoCache()
	c.entries["BTC"] = logoEntry{data: []byte("png"), fetchedAt: time.Now().Add(-25 * time.Hour)}

	_, ok := c.Get("BTC")
	assert.False(t, ok, "an entry older than LogoTTL should be evicted on read")

	_, stillPresent := c.entries["BTC"]
	assert.False(t, stillPresent)
}

func TestLogoCacheFreshEntry(t *testing.T) {
	c := NewLogoCache()
	c.Set("ETH", []byte("png-bytes"))

	data, ok := c.Get("ETH")
	assert.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestCachesRecordHitMissMetrics(t *testing.T) {
	m := metrics.New(zap.NewNop())

	snapshots := &SnapshotCache{}
	snapshots.SetMetrics(m)
	snapshots.Get()
	snapshots.Set([]model.Instrument{{Symbol: "BTC"}}, time.Now())
	snapshots.Get()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses.WithLabelValues("snapshot")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("snapshot")))

	historic := NewHistoricalCache()
	historic.SetMetrics(m)
	historic.Get("BTC:24h")
	historic.Set("BTC:24h", model.Series{Success: true})
	historic.Get("BTC:24h")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses.WithLabelValues("historical")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("historical")))

	logos := NewLogoCache()
	logos.SetMetrics(m)
	logos.Get("ETH")
	logos.Set("ETH", []byte("png"))
	logos.Get("ETH")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses.WithLabelValues("logo")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("logo")))
}
