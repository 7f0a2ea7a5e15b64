package distributor

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolDefaultsSizeAndNames(t *testing.T) {
	p := NewPool(0, "test")
	defer p.Close()

	assert.Equal(t, DefaultPoolSize, p.Size())
	s, ok := p.byNameRef("test/distributor/0")
	require.True(t, ok)
	assert.Equal(t, "test/distributor/0", s.Name())
}

func TestPoolPickIsDeterministicPerMessage(t *testing.T) {
	p := NewPool(31, "test")
	defer p.Close()

	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"})
	callid := sip.CallIDHeader("fixed-call-id")
	req.AppendHeader(&callid)
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "fixed-tag")
	req.AppendHeader(from)

	first := p.pick(req)
	second := p.pick(req)
	assert.Equal(t, first.Name(), second.Name())
}

func TestSerializerRunsTasksInOrder(t *testing.T) {
	s := newSerializer("test")
	defer s.close()

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, s.Push(func() {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSerializerPushFullReturnsError(t *testing.T) {
	s := newSerializer("test")
	defer s.close()

	block := make(chan struct{})
	require.NoError(t, s.Push(func() { <-block }))

	var lastErr error
	for i := 0; i < taskQueueDepth+1; i++ {
		if err := s.Push(func() {}); err != nil {
			lastErr = err
			break
		}
	}
	assert.ErrorIs(t, lastErr, ErrSerializerFull)
	close(block)
}
