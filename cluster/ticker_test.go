package cluster

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jtesting "goa.design/jobq/testing"
)

func TestNewTicker(t *testing.T) {
	var (
		ctx  = jtesting.NewTestContext(t)
		rdb  = jtesting.NewRedisClient(t)
		name = jtesting.Name(t)
		node = newTestNode(t, ctx, rdb, name)
		d    = 10 * time.Millisecond
	)
	defer jtesting.CleanupRedis(t, rdb, "map:cluster:"+name)
	now := time.Now()
	ticker, err := node.NewTicker(ctx, name, d)
	assert.NoError(t, err)
	require.NotNil(t, ticker)
	ts := <-ticker.C
	assert.WithinDuration(t, now.Add(d), ts, time.Second, "invalid tick value")
	ticker.Stop()
	var ok bool
	timer := time.NewTimer(4 * d)
	select {
	case <-timer.C:
		ok = true
	case <-ticker.C:
	}
	assert.True(t, ok, "ticker did not stop")

	_, err = node.NewTicker(ctx, "invalid", 0)
	assert.Error(t, err)
	assert.NoError(t, node.Leave(ctx))
	_, err = node.NewTicker(ctx, name, d)
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	var (
		ctx  = jtesting.NewTestContext(t)
		rdb  = jtesting.NewRedisClient(t)
		name = jtesting.Name(t)
		node = newTestNode(t, ctx, rdb, name)
		d    = 10 * time.Millisecond
	)
	defer jtesting.CleanupRedis(t, rdb, "map:cluster:"+name)
	cases := []struct {
		name string
		stop bool
	}{
		{"stop", true},
		{"no-stop", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ticker, err := node.NewTicker(ctx, name+c.name, d)
			assert.NoError(t, err)
			require.NotNil(t, ticker)
			<-ticker.C
			if c.stop {
				ticker.Stop()
			}
			ticker.Reset(d)
			<-ticker.C
			ticker.Stop()
			var ok bool
			timer := time.NewTimer(4 * d)
			select {
			case <-timer.C:
				ok = true
			case <-ticker.C:
			}
			assert.True(t, ok, "ticker did not stop")
		})
	}
	assert.NoError(t, node.Leave(ctx))
}

func TestTickerSingleDelivery(t *testing.T) {
	var (
		ctx  = jtesting.NewTestContext(t)
		rdb  = jtesting.NewRedisClient(t)
		name = jtesting.Name(t)
		n1   = newTestNode(t, ctx, rdb, name)
		n2   = newTestNode(t, ctx, rdb, name)
		d    = 50 * time.Millisecond
	)
	defer jtesting.CleanupRedis(t, rdb, "map:cluster:"+name)
	t1, err := n1.NewTicker(ctx, "purge", d)
	require.NoError(t, err)
	t2, err := n2.NewTicker(ctx, "purge", d)
	require.NoError(t, err)

	var ticks atomic.Int32
	done := make(chan struct{})
	count := func(c <-chan time.Time) {
		for {
			select {
			case <-c:
				ticks.Add(1)
			case <-done:
				return
			}
		}
	}
	go count(t1.C)
	go count(t2.C)
	time.Sleep(10*d + d/2)
	close(done)
	t1.Stop()
	t2.Stop()

	// One tick per period across both nodes, allowing for scheduling
	// jitter at the boundaries.
	n := ticks.Load()
	assert.GreaterOrEqual(t, n, int32(7))
	assert.LessOrEqual(t, n, int32(11))

	assert.NoError(t, n1.Leave(ctx))
	assert.NoError(t, n2.Leave(ctx))
}

func TestSchedule(t *testing.T) {
	at := time.UnixMicro(1_700_000_000_000_000)
	s := schedule{at: at, every: time.Second}
	parsed, err := parseSchedule(s.String())
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed.at))
	assert.Equal(t, time.Second, parsed.every)

	next := s.advance(at.Add(2500 * time.Millisecond))
	assert.True(t, at.Add(3*time.Second).Equal(next.at))
	next = s.advance(at)
	assert.True(t, at.Add(time.Second).Equal(next.at))

	for _, v := range []string{"", "123", "x|1s", "123|nope", "123|0s"} {
		_, err := parseSchedule(v)
		assert.Error(t, err, v)
	}
}
