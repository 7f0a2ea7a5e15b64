package distributor

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPoolSize is the default serializer count. A small prime spreads
// the djb2 pick more evenly across slots.
const DefaultPoolSize = 31

// Pool is a fixed-size, ordered sequence of Serializers built once at
// startup. Entries are never replaced; indices stay stable for the pool's
// whole lifetime.
type Pool struct {
	entries []*Serializer
	byName  map[string]*Serializer
	mu      sync.RWMutex // guards byName only; entries is immutable after NewPool
	closed  bool
	log     zerolog.Logger
}

// NewPool allocates size serializers named "<prefix>/distributor/<seq>".
// size should be a small prime for better hash spread; a non-prime size
// is accepted and logged as a warning.
func NewPool(size int, prefix string) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &Pool{
		entries: make([]*Serializer, size),
		byName:  make(map[string]*Serializer, size),
	}
	p.log = log.Logger.With().Str("caller", "distributor.Pool").Logger()

	if !isPrime(size) {
		p.log.Warn().Int("size", size).Msg("pool size is not prime, hash distribution may be uneven")
	}

	for i := 0; i < size; i++ {
		name := fmt.Sprintf("%s/distributor/%d", prefix, i)
		s := newSerializer(name)
		p.entries[i] = s
		p.byName[name] = s
	}
	return p
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

// Size returns the number of serializers in the pool.
func (p *Pool) Size() int {
	return len(p.entries)
}

// pick hashes msg's Call-ID and remote tag with djb2 (seed 5381, folded
// byte by byte) and returns the serializer at that index, modulo pool size.
func (p *Pool) pick(msg sip.Message) *Serializer {
	callID, remoteTag := distributionKey(msg)
	idx := djb2Index(callID, remoteTag, len(p.entries))
	s := p.entries[idx]
	s.Ref(1)
	return s
}

// byNameRef looks up a live serializer by the name the tagger stamped on an
// outgoing request, ref-bumping it on a hit.
func (p *Pool) byNameRef(name string) (*Serializer, bool) {
	p.mu.RLock()
	s, ok := p.byName[name]
	p.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s.Ref(1)
	return s, true
}

// Close tears down every serializer, draining its queue first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for _, s := range p.entries {
		s.close()
	}
	p.log.Debug().Msg("pool closed")
}

// distributionKey extracts the Call-ID and the "remote tag": the From tag
// for a request, the To tag for a response. That pair is the weakest
// identifier still stable across every message of one conversation.
func distributionKey(msg sip.Message) (callID string, remoteTag string) {
	if cid, exists := msg.CallID(); exists {
		callID = cid.Value()
	}

	switch m := msg.(type) {
	case *sip.Request:
		if from, exists := m.From(); exists {
			remoteTag, _ = from.Params.Get("tag")
		}
	case *sip.Response:
		if to, exists := m.To(); exists {
			remoteTag, _ = to.Params.Get("tag")
		}
	}
	return callID, remoteTag
}

// djb2Index runs the djb2 recipe over callID then remoteTag and folds the
// signed result into [0, n) by absolute value.
func djb2Index(callID, remoteTag string, n int) int {
	var h uint32 = 5381
	for i := 0; i < len(callID); i++ {
		h = h*33 ^ uint32(callID[i])
	}
	for i := 0; i < len(remoteTag); i++ {
		h = h*33 ^ uint32(remoteTag[i])
	}
	// Widen before negating: abs(math.MinInt32) does not fit in an int32.
	v := int64(int32(h))
	if v < 0 {
		v = -v
	}
	return int(v % int64(n))
}
