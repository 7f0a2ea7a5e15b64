package distributor

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// taskQueueDepth bounds how many pending tasks a single serializer will
// buffer before Push starts failing. Tasks on a serializer run to
// completion once dequeued (no cancellation), so this is the only backstop
// against one slow conversation building up unbounded memory.
const taskQueueDepth = 64

// Serializer is a single-consumer FIFO work queue. Tasks pushed to the same
// Serializer execute strictly in push order, one at a time, on a dedicated
// worker goroutine; different Serializers make progress independently.
type Serializer struct {
	name     string
	tasks    chan func()
	refcount atomic.Int32
	done     chan struct{}

	mu     sync.RWMutex // guards closed against a Push racing close
	closed bool

	log zerolog.Logger
}

func newSerializer(name string) *Serializer {
	s := &Serializer{
		name:  name,
		tasks: make(chan func(), taskQueueDepth),
		done:  make(chan struct{}),
	}
	s.log = log.Logger.With().Str("caller", "distributor.Serializer").Str("serializer", name).Logger()
	go s.run()
	return s
}

func (s *Serializer) run() {
	for task := range s.tasks {
		task()
	}
	close(s.done)
}

// Name returns the serializer's stable, process-unique name.
func (s *Serializer) Name() string {
	return s.name
}

// Push enqueues task without blocking. It returns ErrSerializerFull if the
// queue is at capacity, which the caller must treat as a dropped message,
// never as a reason to block the calling (transport) goroutine.
func (s *Serializer) Push(task func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrPoolClosed
	}
	select {
	case s.tasks <- task:
		return nil
	default:
		return ErrSerializerFull
	}
}

// QueueDepth reports the number of tasks currently buffered, used to feed
// the distributor_pool_queue_depth gauge.
func (s *Serializer) QueueDepth() int {
	return len(s.tasks)
}

// Ref increments the reference count and returns the new value, mirroring
// transport.Connection's Ref(i int) int convention.
func (s *Serializer) Ref(i int) int32 {
	return s.refcount.Add(int32(i))
}

func (s *Serializer) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.tasks)
	<-s.done
}
