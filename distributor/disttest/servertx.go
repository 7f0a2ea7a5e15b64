// Package disttest collects small test doubles shared across the
// distributor package's tests: a fake server transaction, a logrus-backed
// audit sink, and request builders in the style of the root package's own
// createSimpleRequest helper.
package disttest

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// FakeServerTx is a minimal sip.ServerTransaction recording every response
// handed to it, so a test can assert on status codes without a live
// transaction layer or network socket.
type FakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	terminate chan struct{}
	done      chan struct{}
	acks      chan *sip.Request
	cancels   chan *sip.Request
}

func NewFakeServerTx() *FakeServerTx {
	return &FakeServerTx{
		terminate: make(chan struct{}, 1),
		done:      make(chan struct{}),
		acks:      make(chan *sip.Request, 1),
		cancels:   make(chan *sip.Request, 1),
	}
}

func (tx *FakeServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

func (tx *FakeServerTx) Acks() <-chan *sip.Request    { return tx.acks }
func (tx *FakeServerTx) Cancels() <-chan *sip.Request { return tx.cancels }

func (tx *FakeServerTx) Terminate() {
	select {
	case tx.terminate <- struct{}{}:
	default:
	}
	select {
	case <-tx.done:
	default:
		close(tx.done)
	}
}

func (tx *FakeServerTx) Done() <-chan struct{} {
	return tx.done
}

// Responses returns every response Respond() has recorded so far.
func (tx *FakeServerTx) Responses() []*sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*sip.Response, len(tx.responses))
	copy(out, tx.responses)
	return out
}

// Terminated reports whether Terminate() has been called.
func (tx *FakeServerTx) Terminated() bool {
	select {
	case <-tx.done:
		return true
	default:
		return false
	}
}
