package cache

import (
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/sirupsen/logrus"
)

// Backend is an out-of-process key/value payload store. Operations are
// asynchronous and bounded: when the operation queue is full they fail fast
// so the engine proceeds as if the key were absent, never blocking the loop.
type Backend interface {
	// Get schedules a lookup. The callback is posted back to the loop with
	// the payload or ok=false. Get returns false when the queue is full; in
	// that case the callback is NOT invoked.
	Get(key string, found func(payload []byte, ok bool)) bool
	// Set schedules a write; silently dropped when the queue is full.
	Set(key string, payload []byte, ttl time.Duration)
	// Close drains and closes the backend.
	Close()
}

// Memcached is the memcached-backed Backend, with a fixed worker pool pulling
// from a bounded command queue.
type Memcached struct {
	log      logrus.FieldLogger
	client   *memcache.Client
	ops      chan func()
	done     chan struct{}
	loopPost func(fn func())
}

// MemcachedConfig configures the memcached backend.
type MemcachedConfig struct {
	Addr      string
	PoolSize  int
	QueueSize int
	Timeout   time.Duration
}

// NewMemcached connects a memcached backend. loopPost must schedule a
// function onto the engine loop.
func NewMemcached(log logrus.FieldLogger, cfg MemcachedConfig, loopPost func(fn func())) *Memcached {
	client := memcache.New(cfg.Addr)
	client.MaxIdleConns = cfg.PoolSize

	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	m := &Memcached{
		log:      log.WithField("component", "memcached"),
		client:   client,
		ops:      make(chan func(), cfg.QueueSize),
		done:     make(chan struct{}),
		loopPost: loopPost,
	}

	for i := 0; i < cfg.PoolSize; i++ {
		go m.worker()
	}

	return m
}

func (m *Memcached) worker() {
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.done:
			for {
				select {
				case op := <-m.ops:
					op()
				default:
					return
				}
			}
		}
	}
}

// Get implements Backend.
func (m *Memcached) Get(key string, found func(payload []byte, ok bool)) bool {
	op := func() {
		item, err := m.client.Get(key)

		m.loopPost(func() {
			if err != nil {
				found(nil, false)

				return
			}

			found(item.Value, true)
		})
	}

	select {
	case m.ops <- op:
		return true
	default:
		return false
	}
}

// Set implements Backend.
func (m *Memcached) Set(key string, payload []byte, ttl time.Duration) {
	value := make([]byte, len(payload))
	copy(value, payload)

	op := func() {
		err := m.client.Set(&memcache.Item{
			Key:        key,
			Value:      value,
			Expiration: int32(ttl / time.Second),
		})
		if err != nil {
			m.log.WithError(err).Debug("memcached set failed")
		}
	}

	select {
	case m.ops <- op:
	default:
		m.log.Debug("memcached queue full, dropping set")
	}
}

// Close implements Backend.
func (m *Memcached) Close() {
	close(m.done)
}
