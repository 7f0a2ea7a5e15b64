package distributor

import (
	"sync"

	"github.com/emiago/sipgo"
)

// dialogStateKey is the fixed key this package uses to store its attached
// state on a Dialog's generic value store (sipgo.Dialog.Store/Load), the
// same mechanism application code uses to stash its own per-dialog values.
const dialogStateKey = "distributor.dialogState"

// dialogState is the per-dialog record holding the application-installed
// {serializer: opt ref, endpoint: opt ref}, allocated lazily the first time
// either field is set, and guarded by its own mutex rather than a lock on
// Dialog itself (sipgo's Dialog has no general-purpose mutex to share).
type dialogState struct {
	mu         sync.Mutex
	serializer *Serializer
	endpoint   *Endpoint
}

func getOrCreateDialogState(dlg *sipgo.Dialog) *dialogState {
	// The loser of a concurrent first-write race simply discards its own
	// allocation; everyone converges on one stored record.
	v, _ := dlg.LoadOrStore(dialogStateKey, &dialogState{})
	return v.(*dialogState)
}

func getDialogState(dlg *sipgo.Dialog) (*dialogState, bool) {
	v, ok := dlg.Load(dialogStateKey)
	if !ok {
		return nil, false
	}
	return v.(*dialogState), true
}

// SetSerializer installs s as the serializer bound to dlg, replacing any
// previous one. The state takes over the caller's reference to s; a
// displaced serializer's reference is dropped here.
func SetSerializer(dlg *sipgo.Dialog, s *Serializer) {
	st := getOrCreateDialogState(dlg)
	st.mu.Lock()
	prev := st.serializer
	st.serializer = s
	st.mu.Unlock()
	if prev != nil && prev != s {
		prev.Ref(-1)
	}
}

// SetEndpoint installs e as the endpoint bound to dlg, replacing any
// previous one. The state takes over the caller's reference to e; a
// displaced endpoint's reference is dropped here.
func SetEndpoint(dlg *sipgo.Dialog, e *Endpoint) {
	st := getOrCreateDialogState(dlg)
	st.mu.Lock()
	prev := st.endpoint
	st.endpoint = e
	st.mu.Unlock()
	if prev != nil && prev != e {
		prev.Ref(-1)
	}
}

// GetEndpoint returns a new strong reference to dlg's bound endpoint, or
// (nil, false) if none is installed. The caller owns the returned
// reference.
func GetEndpoint(dlg *sipgo.Dialog) (*Endpoint, bool) {
	st, ok := getDialogState(dlg)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	e := st.endpoint
	st.mu.Unlock()
	if e == nil {
		return nil, false
	}
	e.Ref(1)
	return e, true
}

// getSerializer reads dlg's bound serializer. Unexported: only the
// distributor itself reads this back, applications only install it.
func getSerializer(dlg *sipgo.Dialog) (*Serializer, bool) {
	st, ok := getDialogState(dlg)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	s := st.serializer
	st.mu.Unlock()
	if s == nil {
		return nil, false
	}
	s.Ref(1)
	return s, true
}

// release drops the references held by dlg's attached state. Intended to
// be called from the dialog's own termination path, since the dialog layer
// does not free attached state itself.
func release(dlg *sipgo.Dialog) {
	st, ok := getDialogState(dlg)
	if !ok {
		return
	}
	st.mu.Lock()
	if st.serializer != nil {
		st.serializer.Ref(-1)
		st.serializer = nil
	}
	if st.endpoint != nil {
		st.endpoint.Ref(-1)
		st.endpoint = nil
	}
	st.mu.Unlock()
	dlg.Delete(dialogStateKey)
}

// Release is the exported form of release, invoked by application code (or
// a dialog-termination hook) when a dialog is being freed.
func Release(dlg *sipgo.Dialog) {
	release(dlg)
}
