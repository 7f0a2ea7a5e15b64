package distributor

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// slots associates module-private state with a message for the lifetime of
// that message, standing in for the per-module mod_data array a message
// would carry if sip.Message had room for one. Keyed by the message's
// interface value itself, which is unique per received/cloned message.
type slotTable struct {
	endpoints   sync.Map // sip.Message -> *Endpoint
	taggedNames sync.Map // sip.Message -> string
}

func newSlotTable() *slotTable {
	return &slotTable{}
}

func (t *slotTable) setEndpoint(msg sip.Message, e *Endpoint) {
	t.endpoints.Store(msg, e)
}

func (t *slotTable) getEndpoint(msg sip.Message) (*Endpoint, bool) {
	v, ok := t.endpoints.Load(msg)
	if !ok {
		return nil, false
	}
	return v.(*Endpoint), true
}

func (t *slotTable) setTaggedSerializer(msg sip.Message, name string) {
	t.taggedNames.Store(msg, name)
}

func (t *slotTable) getTaggedSerializer(msg sip.Message) (string, bool) {
	v, ok := t.taggedNames.Load(msg)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// clear drops every slot held for msg. Called once the task that owns the
// clone finishes, so the side-table never grows unbounded.
func (t *slotTable) clear(msg sip.Message) {
	t.endpoints.Delete(msg)
	t.taggedNames.Delete(msg)
}
