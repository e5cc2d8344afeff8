package devpool

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/confluence/internal/utils"
	"golang.org/x/exp/slog"
)

// DefaultMaxBuffersPerKey is the number of pooled buffers kept for a single key when
// Options.MaxBuffersPerKey is 0
const DefaultMaxBuffersPerKey = 8

var (
	// ErrForeignHandle is returned from Release when the handle was issued by another pool
	ErrForeignHandle = errors.New("handle was not issued by this pool")
	// ErrNotInUse is returned from Release when the handle has already been released
	ErrNotInUse = errors.New("buffer is not in use")
	// ErrPoolDestroyed is returned from Acquire after the pool has been destroyed
	ErrPoolDestroyed = errors.New("pool has been destroyed")
)

// Options contains optional settings when creating a Pool
type Options struct {
	// MaxBuffersPerKey is the largest number of buffers tracked for a single key. Requests past
	// this limit receive temporary buffers that are destroyed when released.
	MaxBuffersPerKey int
	// ExternallySynchronized disables the pool's mutex. The consumer must guarantee the pool
	// is only used from one goroutine at a time.
	ExternallySynchronized bool
	// Clock returns the current time. It defaults to time.Now.
	Clock func() time.Time
}

type entry struct {
	buffer   Buffer
	inUse    bool
	lastUsed time.Time
}

type bucket struct {
	entries []*entry
}

// Handle is a buffer lent out by the pool. It must be returned with Pool.Release.
type Handle struct {
	Buffer Buffer

	pool     *Pool
	key      Key
	entry    *entry
	released bool
}

// Key returns the key the buffer was acquired with
func (h *Handle) Key() Key { return h.key }

// Temporary returns true if the buffer is not tracked by the pool and will be destroyed on release
func (h *Handle) Temporary() bool { return h.entry == nil }

// Stats is a snapshot of a pool's counters
type Stats struct {
	Hits        int
	Misses      int
	Temporaries int
	Evictions   int
	Keys        int
	Pooled      int
	InUse       int
}

// Pool caches device buffers by size and usage, so that backends repeatedly asking for the same
// kind of buffer reuse one instead of creating a new one every time
type Pool struct {
	logger    *slog.Logger
	factory   Factory
	maxPerKey int
	clock     func() time.Time

	mutex     utils.OptionalMutex
	buckets   *swiss.Map[Key, *bucket]
	destroyed bool

	hits        int
	misses      int
	temporaries int
	evictions   int
}

// New creates an empty Pool that creates its buffers with factory
func New(logger *slog.Logger, factory Factory, options Options) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("devpool.New: factory is required")
	}

	maxPerKey := options.MaxBuffersPerKey
	if maxPerKey == 0 {
		maxPerKey = DefaultMaxBuffersPerKey
	}
	if maxPerKey < 0 {
		return nil, errors.Newf("invalid buffers per key: %d", maxPerKey)
	}

	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Pool{
		logger:    utils.LoggerOrNop(logger),
		factory:   factory,
		maxPerKey: maxPerKey,
		clock:     clock,
		mutex:     utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
		buckets:   swiss.NewMap[Key, *bucket](16),
	}, nil
}

// Acquire lends out a buffer for the size and usage. A free pooled buffer is reused if one
// exists; otherwise a new buffer is created and tracked, or, if the key already tracks the
// maximum number of buffers, a temporary buffer is created.
func (p *Pool) Acquire(size int, usage Usage) (*Handle, error) {
	p.logger.Debug("Pool::Acquire", slog.Int("Size", size), slog.String("Usage", usage.String()))

	if size < 1 {
		return nil, errors.Newf("invalid buffer size: %d", size)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return nil, ErrPoolDestroyed
	}

	key := Key{Size: size, Usage: usage}
	b, ok := p.buckets.Get(key)
	if !ok {
		b = &bucket{}
		p.buckets.Put(key, b)
	}

	for _, e := range b.entries {
		if !e.inUse {
			e.inUse = true
			p.hits++
			return &Handle{Buffer: e.buffer, pool: p, key: key, entry: e}, nil
		}
	}

	buffer, err := p.factory.CreateBuffer(key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %d byte buffer with usage %s", size, usage)
	}

	if len(b.entries) >= p.maxPerKey {
		p.temporaries++
		p.logger.Debug("    Pool::Acquire TEMPORARY", slog.Int("Size", size))
		return &Handle{Buffer: buffer, pool: p, key: key}, nil
	}

	p.misses++
	e := &entry{buffer: buffer, inUse: true}
	b.entries = append(b.entries, e)
	return &Handle{Buffer: buffer, pool: p, key: key, entry: e}, nil
}

// Release returns a buffer to the pool and stamps it with the current time. Temporary buffers,
// and any buffer released after the pool was destroyed, are destroyed instead.
func (p *Pool) Release(handle *Handle) error {
	if handle == nil || handle.pool != p {
		return ErrForeignHandle
	}

	p.logger.Debug("Pool::Release", slog.Int("Size", handle.key.Size), slog.String("Usage", handle.key.Usage.String()))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if handle.released {
		return errors.Wrapf(ErrNotInUse, "handle for a %d byte buffer was already released", handle.key.Size)
	}

	if handle.entry == nil {
		handle.Buffer.Destroy()
		handle.Buffer = nil
		handle.released = true
		return nil
	}

	if !handle.entry.inUse {
		return errors.Wrapf(ErrNotInUse, "buffer of size %d", handle.key.Size)
	}

	handle.released = true
	handle.entry.inUse = false
	handle.entry.lastUsed = p.clock()

	if p.destroyed {
		handle.entry.buffer.Destroy()
	}

	return nil
}

// CleanupOldBuffers destroys every free pooled buffer that was last released more than maxAge
// ago, and returns the number of buffers destroyed
func (p *Pool) CleanupOldBuffers(maxAge time.Duration) int {
	p.logger.Debug("Pool::CleanupOldBuffers", slog.Duration("MaxAge", maxAge))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.clock()
	evicted := 0
	var emptyKeys []Key

	p.buckets.Iter(func(key Key, b *bucket) bool {
		kept := b.entries[:0]
		for _, e := range b.entries {
			if !e.inUse && now.Sub(e.lastUsed) > maxAge {
				e.buffer.Destroy()
				evicted++
				continue
			}
			kept = append(kept, e)
		}

		for i := len(kept); i < len(b.entries); i++ {
			b.entries[i] = nil
		}
		b.entries = kept

		if len(b.entries) == 0 {
			emptyKeys = append(emptyKeys, key)
		}
		return false
	})

	for _, key := range emptyKeys {
		p.buckets.Delete(key)
	}

	p.evictions += evicted
	return evicted
}

// Destroy destroys every free pooled buffer. Buffers still lent out are destroyed when they
// are released. Acquire fails once the pool is destroyed.
func (p *Pool) Destroy() {
	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return
	}
	p.destroyed = true

	inUse := 0
	p.buckets.Iter(func(_ Key, b *bucket) bool {
		for _, e := range b.entries {
			if e.inUse {
				inUse++
				continue
			}
			e.buffer.Destroy()
		}
		return false
	})

	if inUse > 0 {
		p.logger.LogAttrs(context.Background(),
			slog.LevelWarn,
			"[UNRELEASED BUFFERS] pool destroyed while buffers are lent out",
			slog.Int("Count", inUse))
	}

	p.buckets = swiss.NewMap[Key, *bucket](16)
}

// Stats returns a snapshot of the pool's counters
func (p *Pool) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := Stats{
		Hits:        p.hits,
		Misses:      p.misses,
		Temporaries: p.temporaries,
		Evictions:   p.evictions,
		Keys:        p.buckets.Count(),
	}

	p.buckets.Iter(func(_ Key, b *bucket) bool {
		stats.Pooled += len(b.entries)
		for _, e := range b.entries {
			if e.inUse {
				stats.InUse++
			}
		}
		return false
	})

	return stats
}

// WriteJSON writes the pool's counters and a summary of every key as a json object
func (p *Pool) WriteJSON(writer *jwriter.Writer) {
	stats := p.Stats()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Hits").Int(stats.Hits)
	objState.Name("Misses").Int(stats.Misses)
	objState.Name("Temporaries").Int(stats.Temporaries)
	objState.Name("Evictions").Int(stats.Evictions)
	objState.Name("Pooled").Int(stats.Pooled)
	objState.Name("InUse").Int(stats.InUse)

	var keys []Key
	p.buckets.Iter(func(key Key, _ *bucket) bool {
		keys = append(keys, key)
		return false
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Size != keys[j].Size {
			return keys[i].Size < keys[j].Size
		}
		return keys[i].Usage < keys[j].Usage
	})

	arrayState := objState.Name("Keys").Array()
	defer arrayState.End()

	for _, key := range keys {
		b, _ := p.buckets.Get(key)
		inUse := 0
		for _, e := range b.entries {
			if e.inUse {
				inUse++
			}
		}

		obj := arrayState.Object()
		obj.Name("Size").Int(key.Size)
		obj.Name("Usage").String(key.Usage.String())
		obj.Name("Buffers").Int(len(b.entries))
		obj.Name("InUse").Int(inUse)
		obj.End()
	}
}
