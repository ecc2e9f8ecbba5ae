package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jtesting "goa.design/jobq/testing"
)

const (
	// delay is the delay between assertion checks
	delay = 10 * time.Millisecond
	// max is the maximum time to wait for an assertion to pass
	max = 20 * time.Second
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.Enqueue(ctx, "vm_instance", 42, ContentTypeJob, 7, 0)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	queues, err := m.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 1)
	q := queues[0]
	assert.Equal(t, "vm_instance", q.Type)
	assert.Equal(t, int64(42), q.ResourceID)
	assert.False(t, q.CreatedAt.IsZero())

	item, err := m.DequeueFromOne(ctx, q.ID, "node1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, int64(7), item.ContentID)
	assert.Equal(t, ContentTypeJob, item.ContentType)
	assert.Equal(t, "node1", item.ClaimOwner)
	assert.Equal(t, StateClaimed, item.State())
	assert.False(t, item.ClaimedAt.IsZero())

	// Head is claimed, nothing else to hand out.
	other, err := m.DequeueFromOne(ctx, q.ID, "node2")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, m.PurgeItem(ctx, item.ID))
	items, err := m.QueueItems(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	// Empty queue
	item, err = m.DequeueFromOne(ctx, q.ID, "node1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestEnqueueReusesQueue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i := 1; i <= 3; i++ {
		_, err := m.Enqueue(ctx, "volume", 1, ContentTypeJob, int64(i), 0)
		require.NoError(t, err)
	}
	_, err := m.Enqueue(ctx, "volume", 2, ContentTypeJob, 4, 0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "network", 1, ContentTypeJob, 5, 0)
	require.NoError(t, err)

	queues, err := m.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 3)
	items, err := m.QueueItems(ctx, queues[0].ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, int64(i+1), item.ContentID)
		assert.Equal(t, StateUnclaimed, item.State())
	}

	q, err := m.Queue(ctx, queues[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "volume", q.Type)
	assert.Equal(t, int64(2), q.ResourceID)

	_, err = m.Queue(ctx, 1000)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Enqueue(ctx, "", 1, ContentTypeJob, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.Enqueue(ctx, "vm", 1, "", 1, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.DequeueFromOne(ctx, 1, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.DequeueFromAny(ctx, "", 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = m.ReclaimItem(ctx, 1, "", "n")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	items, err := m.DequeueFromAny(ctx, "node", 0)
	assert.NoError(t, err)
	assert.Empty(t, items)
}

func TestPerQueueFIFO(t *testing.T) {
	const n = 5000
	ctx := context.Background()
	m := newTestManager(t)
	for i := 1; i <= n; i++ {
		_, err := m.Enqueue(ctx, "vm_instance", 1, ContentTypeJob, int64(i), 0)
		require.NoError(t, err)
	}
	queues, err := m.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 1)
	qid := queues[0].ID

	var (
		lock     sync.Mutex
		expected int64 = 1
		wg       sync.WaitGroup
	)
	counts := make([]int, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			node := []string{"node1", "node2"}[w]
			var last int64
			deadline := time.Now().Add(max)
			for time.Now().Before(deadline) {
				lock.Lock()
				done := expected > n
				lock.Unlock()
				if done {
					return
				}
				item, err := m.DequeueFromOne(ctx, qid, node)
				if !assert.NoError(t, err) {
					return
				}
				if item == nil {
					continue
				}
				lock.Lock()
				assert.Equal(t, expected, item.ContentID)
				expected++
				lock.Unlock()
				assert.Greater(t, item.ContentID, last)
				last = item.ContentID
				counts[w]++
				assert.NoError(t, m.PurgeItem(ctx, item.ID))
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int64(n+1), expected)
	assert.Equal(t, n, counts[0]+counts[1])
}

func TestCrossQueueCompleteness(t *testing.T) {
	const (
		numQueues = 30
		perQueue  = 100
		total     = numQueues * perQueue
	)
	ctx := context.Background()
	m := newTestManager(t)
	for i := 1; i <= perQueue; i++ {
		for q := 1; q <= numQueues; q++ {
			_, err := m.Enqueue(ctx, "vm_instance", int64(q), ContentTypeJob, int64(q*1000+i), q%3)
			require.NoError(t, err)
		}
	}

	var (
		lock sync.Mutex
		seen = make(map[int64]struct{}, total)
		wg   sync.WaitGroup
	)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			deadline := time.Now().Add(max)
			for time.Now().Before(deadline) {
				lock.Lock()
				done := len(seen) == total
				lock.Unlock()
				if done {
					return
				}
				items, err := m.DequeueFromAny(ctx, node, 20)
				if !assert.NoError(t, err) {
					return
				}
				queues := make(map[int64]struct{})
				for _, item := range items {
					_, dup := queues[item.QueueID]
					assert.False(t, dup, "more than one item for queue %d", item.QueueID)
					queues[item.QueueID] = struct{}{}
					lock.Lock()
					_, dup = seen[item.ContentID]
					assert.False(t, dup, "item %d processed twice", item.ContentID)
					seen[item.ContentID] = struct{}{}
					lock.Unlock()
					assert.NoError(t, m.PurgeItem(ctx, item.ID))
				}
			}
		}([]string{"node1", "node2"}[w])
	}
	wg.Wait()
	assert.Len(t, seen, total)

	items, err := m.DequeueFromAny(ctx, "node1", 20)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDequeueFromAnyOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := newTestManager(t, WithClock(func() time.Time { return now }))

	// Same enqueue time: priority then item ID decide.
	_, err := m.Enqueue(ctx, "vm", 1, ContentTypeJob, 1, 5)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 2, ContentTypeJob, 2, 1)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 3, ContentTypeJob, 3, 1)
	require.NoError(t, err)

	items, err := m.DequeueFromAny(ctx, "node", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(2), items[0].ContentID)
	assert.Equal(t, int64(3), items[1].ContentID)

	items, err = m.DequeueFromAny(ctx, "node", 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].ContentID)
}

func TestDequeueFromAnyOnePerQueue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	for i := 1; i <= 5; i++ {
		_, err := m.Enqueue(ctx, "vm", 1, ContentTypeJob, int64(i), 0)
		require.NoError(t, err)
	}
	items, err := m.DequeueFromAny(ctx, "node", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].ContentID)

	// Head still claimed
	items, err = m.DequeueFromAny(ctx, "node", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPurgeIdempotence(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id1, err := m.Enqueue(ctx, "vm", 1, ContentTypeJob, 1, 0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 2, ContentTypeJob, 2, 0)
	require.NoError(t, err)

	assert.NoError(t, m.PurgeItem(ctx, id1))
	assert.NoError(t, m.PurgeItem(ctx, id1))
	assert.NoError(t, m.PurgeItem(ctx, 123456))

	// Other queue unaffected
	items, err := m.DequeueFromAny(ctx, "node", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].ContentID)
}

func TestPurgeUnclaimedHead(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	id1, err := m.Enqueue(ctx, "vm", 1, ContentTypeJob, 1, 0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 1, ContentTypeJob, 2, 0)
	require.NoError(t, err)

	require.NoError(t, m.PurgeItem(ctx, id1))
	items, err := m.DequeueFromAny(ctx, "node", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].ContentID)
}

func TestRefreshAndReleaseClaim(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var (
		mu    sync.Mutex
		clock = now
	)
	m := newTestManager(t, WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	id1, err := m.Enqueue(ctx, "vm", 1, ContentTypeJob, 1, 0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 1, ContentTypeJob, 2, 0)
	require.NoError(t, err)
	items, err := m.DequeueFromAny(ctx, "node1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, id1, items[0].ID)

	// A refreshed claim is no longer blocked.
	mu.Lock()
	clock = now.Add(time.Minute)
	mu.Unlock()
	blocked, err := m.GetBlockedQueueItems(ctx, 30*time.Second, "", false)
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
	ok, err := m.RefreshClaim(ctx, id1, "node1")
	require.NoError(t, err)
	assert.True(t, ok)
	blocked, err = m.GetBlockedQueueItems(ctx, 30*time.Second, "", false)
	require.NoError(t, err)
	assert.Empty(t, blocked)

	// Only the owner may refresh or release.
	ok, err = m.RefreshClaim(ctx, id1, "node2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.ReleaseItem(ctx, id1, "node2")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = m.ReleaseItem(ctx, id1, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// A released head is handed out again, in FIFO order.
	ok, err = m.ReleaseItem(ctx, id1, "node1")
	require.NoError(t, err)
	assert.True(t, ok)
	active, err := m.GetActiveQueueItems(ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, active)
	items, err = m.DequeueFromAny(ctx, "node2", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id1, items[0].ID)
	assert.Equal(t, "node2", items[0].ClaimOwner)
}

func TestLeftoverDetectionAndRecovery(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var clock = func() time.Time { return now }
	m := newTestManager(t, WithClock(func() time.Time { return clock() }))

	_, err := m.Enqueue(ctx, "vm", 1, ContentTypeJob, 1, 0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 1, ContentTypeJob, 2, 0)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "vm", 2, ContentTypeJob, 3, 0)
	require.NoError(t, err)

	items, err := m.DequeueFromAny(ctx, "crashed", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	active, err := m.GetActiveQueueItems(ctx, "crashed", false)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	active, err = m.GetActiveQueueItems(ctx, "crashed", true)
	require.NoError(t, err)
	assert.Empty(t, active)
	active, err = m.GetActiveQueueItems(ctx, "survivor", true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	blocked, err := m.GetBlockedQueueItems(ctx, time.Minute, "survivor", true)
	require.NoError(t, err)
	assert.Empty(t, blocked)

	clock = func() time.Time { return now.Add(2 * time.Minute) }
	blocked, err = m.GetBlockedQueueItems(ctx, time.Minute, "survivor", true)
	require.NoError(t, err)
	require.Len(t, blocked, 2)

	var qid int64
	for _, item := range blocked {
		if item.ContentID == 1 {
			qid = item.QueueID
		}
		ok, err := m.ReclaimItem(ctx, item.ID, "crashed", "recovery:survivor")
		require.NoError(t, err)
		assert.True(t, ok)
		// Second takeover loses.
		ok, err = m.ReclaimItem(ctx, item.ID, "crashed", "recovery:other")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, m.PurgeItem(ctx, item.ID))
	}

	next, err := m.DequeueFromOne(ctx, qid, "survivor")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(2), next.ContentID)
}

func TestInvariantViolation(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{claimed: []*Item{
		{ID: 1, QueueID: 9, ClaimOwner: "a"},
		{ID: 2, QueueID: 9, ClaimOwner: "b"},
	}}
	m := NewManager(store)
	_, err := m.GetActiveQueueItems(ctx, "a", false)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	_, err = m.GetBlockedQueueItems(ctx, 0, "a", false)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestDequeueFromAnyReturnsClaimedOnError(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		heads:    []*Item{{ID: 1, QueueID: 1}, {ID: 2, QueueID: 2}},
		claimErr: map[int64]error{2: errors.New("connection reset")},
	}
	m := NewManager(store)
	items, err := m.DequeueFromAny(ctx, "node", 2)
	assert.Error(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].ID)
}

func TestSortHeads(t *testing.T) {
	t0 := time.Now()
	heads := []*Item{
		{ID: 4, EnqueuedAt: t0.Add(time.Second), Priority: 0},
		{ID: 3, EnqueuedAt: t0, Priority: 2},
		{ID: 2, EnqueuedAt: t0, Priority: 1},
		{ID: 1, EnqueuedAt: t0, Priority: 2},
	}
	sortHeads(heads)
	var ids []int64
	for _, h := range heads {
		ids = append(ids, h.ID)
	}
	assert.Equal(t, []int64{2, 1, 3, 4}, ids)
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	rdb := jtesting.NewRedisClient(t)
	ns := jtesting.Name(t)
	t.Cleanup(func() { jtesting.CleanupRedis(t, rdb, ns) })
	return NewManager(NewRedisStore(rdb, WithNamespace(ns)), opts...)
}

// fakeStore is a Store that returns canned results.
type fakeStore struct {
	Store
	claimed  []*Item
	heads    []*Item
	claimErr map[int64]error
}

func (s *fakeStore) ClaimedItems(context.Context) ([]*Item, error) { return s.claimed, nil }

func (s *fakeStore) ReadyHeads(context.Context, int) ([]*Item, error) { return s.heads, nil }

func (s *fakeStore) ClaimHead(_ context.Context, queueID int64, owner string, now time.Time) (*Item, error) {
	if err := s.claimErr[queueID]; err != nil {
		return nil, err
	}
	for _, h := range s.heads {
		if h.QueueID == queueID {
			c := *h
			c.ClaimOwner = owner
			c.ClaimedAt = now
			return &c, nil
		}
	}
	return nil, nil
}
