package distributor

import (
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

// Identifier is one plug-in in the priority-ordered identification chain.
// The chain is tried in order; the first Identifier to return true wins.
type Identifier interface {
	Identify(req *sip.Request) (*Endpoint, bool)
}

// IdentifierFunc adapts a plain function to the Identifier interface.
type IdentifierFunc func(req *sip.Request) (*Endpoint, bool)

func (f IdentifierFunc) Identify(req *sip.Request) (*Endpoint, bool) {
	return f(req)
}

// FromURIIdentifier is the reference plug-in: it matches the From URI's
// user part against a static directory. Real deployments are expected to
// supply richer Identifiers (IP-based, header-based); this one exists so
// the identification chain is exercisable end to end without external
// collaborators.
type FromURIIdentifier struct {
	byUser map[string]*Endpoint
}

// NewFromURIIdentifier builds a FromURIIdentifier over the given directory,
// keyed by the SIP URI user part.
func NewFromURIIdentifier(byUser map[string]*Endpoint) *FromURIIdentifier {
	return &FromURIIdentifier{byUser: byUser}
}

func (idf *FromURIIdentifier) Identify(req *sip.Request) (*Endpoint, bool) {
	from, exists := req.From()
	if !exists {
		return nil, false
	}
	e, ok := idf.byUser[from.Address.User]
	if !ok {
		return nil, false
	}
	e.Ref(1)
	return e, true
}

// SecurityEventSink receives identification and authentication audit
// events. The default implementation is a no-op; tests swap in a
// recording sink.
type SecurityEventSink interface {
	InvalidEndpoint(name string, req *sip.Request)
	AuthChallengeSent(e *Endpoint, req *sip.Request)
	AuthSuccess(e *Endpoint, req *sip.Request)
	AuthFailed(e *Endpoint, req *sip.Request)
}

type noopSecurityEventSink struct{}

func (noopSecurityEventSink) InvalidEndpoint(string, *sip.Request) {}
func (noopSecurityEventSink) AuthChallengeSent(*Endpoint, *sip.Request) {}
func (noopSecurityEventSink) AuthSuccess(*Endpoint, *sip.Request) {}
func (noopSecurityEventSink) AuthFailed(*Endpoint, *sip.Request) {}

// identify walks the identifier chain for req. If the slot is already
// populated from dialog-bound state, this is a pass-through. An ACK that no
// identifier matches leaves the slot empty; any other unmatched request gets
// the artificial endpoint and raises an invalid-endpoint security event.
func identify(req *sip.Request, slots *slotTable, chain []Identifier, sink SecurityEventSink, log zerolog.Logger) {
	if _, ok := slots.getEndpoint(req); ok {
		return
	}

	for _, idr := range chain {
		if e, ok := idr.Identify(req); ok {
			slots.setEndpoint(req, e)
			return
		}
	}

	if req.IsAck() {
		return
	}

	artificial := ArtificialEndpoint()
	artificial.Ref(1)
	slots.setEndpoint(req, artificial)

	fromUser := ""
	if from, exists := req.From(); exists {
		fromUser = from.Address.User
	}

	callID := ""
	if cid, exists := req.CallID(); exists {
		callID = cid.Value()
	}

	log.Warn().
		Str("from_user", fromUser).
		Str("src", req.Source()).
		Str("call_id", callID).
		Msg("No matching endpoint found")

	sink.InvalidEndpoint(fromUser, req)
}
