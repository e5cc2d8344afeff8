package devpool_test

import (
	"testing"
	"time"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/confluence/devpool"
	"go.uber.org/mock/gomock"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func readyPool(t *testing.T, ctrl *gomock.Controller, maxPerKey int) (*devpool.Pool, *MockFactory, *fakeClock) {
	factory := NewMockFactory(ctrl)
	clock := &fakeClock{now: time.Unix(1000, 0)}

	pool, err := devpool.New(nil, factory, devpool.Options{
		MaxBuffersPerKey: maxPerKey,
		Clock:            clock.Now,
	})
	require.NoError(t, err)

	return pool, factory, clock
}

func TestPool_ReuseReleasedBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 2)

	key := devpool.Key{Size: 256, Usage: devpool.UsageStorageBuffer}
	buffer := NewMockBuffer(ctrl)
	factory.EXPECT().CreateBuffer(key).Return(buffer, nil)

	handle, err := pool.Acquire(256, devpool.UsageStorageBuffer)
	require.NoError(t, err)
	require.Same(t, buffer, handle.Buffer)
	require.False(t, handle.Temporary())
	require.NoError(t, pool.Release(handle))

	again, err := pool.Acquire(256, devpool.UsageStorageBuffer)
	require.NoError(t, err)
	require.Same(t, buffer, again.Buffer)

	stats := pool.Stats()
	require.Equal(t, 1, stats.Hits)
	require.Equal(t, 1, stats.Misses)
	require.Equal(t, 1, stats.Pooled)
	require.Equal(t, 1, stats.InUse)
}

func TestPool_KeysDoNotMix(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 2)

	storage := NewMockBuffer(ctrl)
	vertex := NewMockBuffer(ctrl)
	factory.EXPECT().CreateBuffer(devpool.Key{Size: 64, Usage: devpool.UsageStorageBuffer}).Return(storage, nil)
	factory.EXPECT().CreateBuffer(devpool.Key{Size: 64, Usage: devpool.UsageVertexBuffer}).Return(vertex, nil)

	first, err := pool.Acquire(64, devpool.UsageStorageBuffer)
	require.NoError(t, err)
	require.NoError(t, pool.Release(first))

	second, err := pool.Acquire(64, devpool.UsageVertexBuffer)
	require.NoError(t, err)
	require.Same(t, vertex, second.Buffer)
	require.Equal(t, 2, pool.Stats().Keys)
}

func TestPool_TemporaryPastCapacity(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 1)

	tracked := NewMockBuffer(ctrl)
	temporary := NewMockBuffer(ctrl)
	gomock.InOrder(
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(tracked, nil),
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(temporary, nil),
	)
	temporary.EXPECT().Destroy()

	first, err := pool.Acquire(128, devpool.UsageUniformBuffer)
	require.NoError(t, err)
	second, err := pool.Acquire(128, devpool.UsageUniformBuffer)
	require.NoError(t, err)
	require.True(t, second.Temporary())

	require.NoError(t, pool.Release(second))
	require.ErrorIs(t, pool.Release(second), devpool.ErrNotInUse)
	require.NoError(t, pool.Release(first))

	stats := pool.Stats()
	require.Equal(t, 1, stats.Temporaries)
	require.Equal(t, 1, stats.Pooled)
	require.Equal(t, 0, stats.InUse)
}

func TestPool_ReleaseErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 1)
	other, otherFactory, _ := readyPool(t, ctrl, 1)

	factory.EXPECT().CreateBuffer(gomock.Any()).Return(NewMockBuffer(ctrl), nil)
	otherFactory.EXPECT().CreateBuffer(gomock.Any()).Return(NewMockBuffer(ctrl), nil)

	handle, err := pool.Acquire(32, devpool.UsageIndexBuffer)
	require.NoError(t, err)
	foreign, err := other.Acquire(32, devpool.UsageIndexBuffer)
	require.NoError(t, err)

	require.ErrorIs(t, pool.Release(foreign), devpool.ErrForeignHandle)
	require.ErrorIs(t, pool.Release(nil), devpool.ErrForeignHandle)

	require.NoError(t, pool.Release(handle))
	require.ErrorIs(t, pool.Release(handle), devpool.ErrNotInUse)
}

func TestPool_StaleReleaseDoesNotFreeReacquiredBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 1)

	pooled := NewMockBuffer(ctrl)
	temporary := NewMockBuffer(ctrl)
	gomock.InOrder(
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(pooled, nil),
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(temporary, nil),
	)

	first, err := pool.Acquire(64, devpool.UsageStorageBuffer)
	require.NoError(t, err)
	require.NoError(t, pool.Release(first))

	second, err := pool.Acquire(64, devpool.UsageStorageBuffer)
	require.NoError(t, err)
	require.Same(t, pooled, second.Buffer)

	require.ErrorIs(t, pool.Release(first), devpool.ErrNotInUse)
	require.Equal(t, 1, pool.Stats().InUse)

	third, err := pool.Acquire(64, devpool.UsageStorageBuffer)
	require.NoError(t, err)
	require.True(t, third.Temporary())
	require.Same(t, temporary, third.Buffer)
	require.NotSame(t, second.Buffer, third.Buffer)
}

func TestPool_CleanupOldBuffers(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, clock := readyPool(t, ctrl, 4)

	stale := NewMockBuffer(ctrl)
	fresh := NewMockBuffer(ctrl)
	busy := NewMockBuffer(ctrl)
	gomock.InOrder(
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(stale, nil),
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(fresh, nil),
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(busy, nil),
	)
	stale.EXPECT().Destroy()

	staleHandle, err := pool.Acquire(512, devpool.UsageTransferSrc)
	require.NoError(t, err)
	freshHandle, err := pool.Acquire(1024, devpool.UsageTransferSrc)
	require.NoError(t, err)
	_, err = pool.Acquire(2048, devpool.UsageTransferSrc)
	require.NoError(t, err)

	require.NoError(t, pool.Release(staleHandle))
	clock.Advance(time.Minute)
	require.NoError(t, pool.Release(freshHandle))
	clock.Advance(time.Minute)

	require.Equal(t, 1, pool.CleanupOldBuffers(90*time.Second))

	stats := pool.Stats()
	require.Equal(t, 2, stats.Pooled)
	require.Equal(t, 2, stats.Keys)
	require.Equal(t, 1, stats.Evictions)
}

func TestPool_Destroy(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 4)

	free := NewMockBuffer(ctrl)
	lent := NewMockBuffer(ctrl)
	gomock.InOrder(
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(free, nil),
		factory.EXPECT().CreateBuffer(gomock.Any()).Return(lent, nil),
	)

	freeHandle, err := pool.Acquire(16, devpool.UsageVertexBuffer)
	require.NoError(t, err)
	lentHandle, err := pool.Acquire(16, devpool.UsageVertexBuffer)
	require.NoError(t, err)
	require.NoError(t, pool.Release(freeHandle))

	free.EXPECT().Destroy()
	pool.Destroy()

	_, err = pool.Acquire(16, devpool.UsageVertexBuffer)
	require.ErrorIs(t, err, devpool.ErrPoolDestroyed)

	lent.EXPECT().Destroy()
	require.NoError(t, pool.Release(lentHandle))
}

func TestPool_WriteJSONAndCollector(t *testing.T) {
	ctrl := gomock.NewController(t)
	pool, factory, _ := readyPool(t, ctrl, 4)
	factory.EXPECT().CreateBuffer(gomock.Any()).Return(NewMockBuffer(ctrl), nil)

	_, err := pool.Acquire(64, devpool.UsageStorageBuffer)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	pool.WriteJSON(&writer)
	require.JSONEq(t, `{
		"Hits": 0,
		"Misses": 1,
		"Temporaries": 0,
		"Evictions": 0,
		"Pooled": 1,
		"InUse": 1,
		"Keys": [
			{"Size": 64, "Usage": "StorageBuffer", "Buffers": 1, "InUse": 1}
		]
	}`, string(writer.Bytes()))

	require.Equal(t, 6, testutil.CollectAndCount(pool.Collector()))
}

func TestPool_RejectsMissingFactory(t *testing.T) {
	_, err := devpool.New(nil, nil, devpool.Options{})
	require.Error(t, err)
}
