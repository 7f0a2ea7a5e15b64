package distributor

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipgo/transaction"
)

type currentSerializerKeyType struct{}

var currentSerializerKey = currentSerializerKeyType{}

// withCurrentSerializer stashes the serializer a task is executing on into
// ctx, so that an outgoing request built from within that task can be
// tagged by Tag without needing thread-local storage (Go goroutines have
// none).
func withCurrentSerializer(ctx context.Context, s *Serializer) context.Context {
	return context.WithValue(ctx, currentSerializerKey, s)
}

// serializerFromContext recovers the serializer installed by
// withCurrentSerializer, if any.
func serializerFromContext(ctx context.Context) (*Serializer, bool) {
	s, ok := ctx.Value(currentSerializerKey).(*Serializer)
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

// Tag runs on every outgoing request: stamp the name of the
// serializer producing it into the request's tagger slot, so a later
// response with no dialog state can be routed back to the same serializer.
// It also records the request's client transaction key against that
// serializer name, which is how a later unmatched response recovers the
// binding (it never sees req itself, only the wire-parsed response).
func (d *Distributor) Tag(ctx context.Context, req *sip.Request) {
	current, ok := serializerFromContext(ctx)
	if !ok {
		return
	}
	if existing, ok := d.slots.getTaggedSerializer(req); ok && existing == current.name {
		return
	}
	d.slots.setTaggedSerializer(req, current.name)

	if key, err := transaction.MakeClientTxKey(req); err == nil {
		d.clientBindings.Store(key, current.name)
	}
}
