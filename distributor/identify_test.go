package distributor

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	invalid []string
}

func (s *recordingSink) InvalidEndpoint(name string, req *sip.Request) {
	s.invalid = append(s.invalid, name)
}
func (s *recordingSink) AuthChallengeSent(*Endpoint, *sip.Request) {}
func (s *recordingSink) AuthSuccess(*Endpoint, *sip.Request)       {}
func (s *recordingSink) AuthFailed(*Endpoint, *sip.Request)        {}

func newTestRequest(t *testing.T, fromUser string) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"})
	from := &sip.FromHeader{Address: sip.Uri{User: fromUser, Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "fixed-tag")
	req.AppendHeader(from)
	callid := sip.CallIDHeader("test-call-id")
	req.AppendHeader(&callid)
	return req
}

func TestIdentifyMatchesConfiguredEndpoint(t *testing.T) {
	resetArtificialSingletons()
	alice := NewEndpoint("alice", false)
	chain := []Identifier{NewFromURIIdentifier(map[string]*Endpoint{"alice": alice})}
	slots := newSlotTable()
	sink := &recordingSink{}

	req := newTestRequest(t, "alice")
	identify(req, slots, chain, sink, zerolog.Nop())

	got, ok := slots.getEndpoint(req)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Name)
	assert.Empty(t, sink.invalid)
}

func TestIdentifyFallsBackToArtificialEndpoint(t *testing.T) {
	resetArtificialSingletons()
	slots := newSlotTable()
	sink := &recordingSink{}

	req := newTestRequest(t, "nobody")
	identify(req, slots, nil, sink, zerolog.Nop())

	got, ok := slots.getEndpoint(req)
	require.True(t, ok)
	assert.Equal(t, ArtificialEndpoint(), got)
	assert.Equal(t, []string{"nobody"}, sink.invalid)
}

func TestIdentifySkipsAckWithNoMatch(t *testing.T) {
	resetArtificialSingletons()
	slots := newSlotTable()
	sink := &recordingSink{}

	req := newTestRequest(t, "nobody")
	req.Method = sip.ACK
	identify(req, slots, nil, sink, zerolog.Nop())

	_, ok := slots.getEndpoint(req)
	assert.False(t, ok)
	assert.Empty(t, sink.invalid)
}

func TestIdentifyIsPassthroughIfAlreadySlotted(t *testing.T) {
	resetArtificialSingletons()
	preset := NewEndpoint("preset", false)
	slots := newSlotTable()
	sink := &recordingSink{}

	req := newTestRequest(t, "alice")
	slots.setEndpoint(req, preset)

	identify(req, slots, nil, sink, zerolog.Nop())

	got, ok := slots.getEndpoint(req)
	require.True(t, ok)
	assert.Same(t, preset, got)
}
