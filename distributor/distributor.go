package distributor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipgo/transaction"
	"github.com/rs/zerolog"
)

// metricsSampleInterval is how often the pool's per-serializer queue depth
// gauge is refreshed, when metrics are enabled.
const metricsSampleInterval = 5 * time.Second

// RequestHandler is the application-level callback invoked once a request
// has cleared identification and authentication.
type RequestHandler func(ctx context.Context, req *sip.Request, tx sip.ServerTransaction)

// ResponseHandler is the application-level callback for responses the
// distributor had to route without an owning client transaction read.
type ResponseHandler func(ctx context.Context, res *sip.Response)

// DialogFinder resolves the sipgo.Dialog (if any) a request belongs to. The
// distributor has no dialog registry of its own; application code that keeps
// one (a dialog server/client session cache) supplies it here so dispatch
// can read any serializer/endpoint the application already bound to it,
// and so a BYE outside any known dialog can be rejected at this layer.
type DialogFinder interface {
	Find(req *sip.Request) (dlg *sipgo.Dialog, ok bool)
}

// StatelessSender sends a response outside any transaction. Satisfied by
// transport.Layer; tests substitute a recorder.
type StatelessSender interface {
	WriteMsg(msg sip.Message) error
}

// OverloadOracle reports whether the system is currently overloaded. When
// set, the distributor drops new out-of-dialog work rather than queue it,
// relying on the peer to retransmit. Implementations must be O(1).
type OverloadOracle interface {
	Overloaded() bool
}

// OverloadOracleFunc adapts a plain func to the OverloadOracle interface.
type OverloadOracleFunc func() bool

func (f OverloadOracleFunc) Overloaded() bool { return f() }

// Distributor is the core dispatch pipeline. It sits between the
// transaction layer's request/response entry points and the application,
// picking a serializer per message, reading and honoring any dialog-bound
// override, running endpoint identification and authentication for
// requests, and handing the result to the application on that serializer's
// queue.
type Distributor struct {
	pool        *Pool
	slots       *slotTable
	identifiers []Identifier
	verifier    Verifier
	sink        SecurityEventSink
	overload    OverloadOracle
	metrics     *Metrics
	dialogs     DialogFinder

	txLayer *transaction.Layer
	tpLayer StatelessSender

	appReq RequestHandler
	appRes ResponseHandler

	// txBindings correlates a server transaction key (INVITE's key, also
	// reached by its CANCEL) with the serializer first assigned to it, so
	// a CANCEL for the same INVITE lands on the same queue without needing
	// a dialog lookup.
	txBindings sync.Map // string -> *Serializer

	// clientBindings correlates an outgoing request's client transaction
	// key with the name of the serializer that produced it (set by Tag),
	// recovered by onUnhandledResponse to route a late/unmatched response
	// back to that same queue.
	clientBindings sync.Map // string -> string

	booted      atomic.Bool
	log         zerolog.Logger
	stopMetrics chan struct{}
}

// runMetricsSampler periodically refreshes the per-serializer queue depth
// gauge until stopped is closed. No-op (never started) when metrics are
// disabled.
func (d *Distributor) runMetricsSampler(stopped chan struct{}) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
			d.metrics.sampleQueueDepths(d.pool)
		}
	}
}

// onRequest is registered as the transaction layer's RequestHandler. It is
// invoked once per new (non-retransmitted) server transaction; retransmissions
// are absorbed by the transaction layer before reaching here.
func (d *Distributor) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	if !d.booted.Load() {
		d.metrics.drop("not_booted")
		d.log.Debug().Str("msg", req.Short()).Msg("dropping request received before boot")
		if tx != nil {
			tx.Terminate()
		}
		return
	}

	if d.dialogs != nil && req.Method == sip.BYE {
		if _, ok := d.dialogs.Find(req); !ok {
			d.metrics.drop("no_dialog")
			d.log.Debug().Str("call_id", callIDOf(req)).Msg("BYE outside any known dialog")
			d.respond(tx, sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist", nil))
			if tx != nil {
				tx.Terminate()
			}
			return
		}
	}

	boundSerializer, boundEndpoint := d.dialogOverride(req)

	var s *Serializer
	var fresh bool
	if boundSerializer != nil {
		s = boundSerializer
	} else {
		s, fresh = d.pickForRequest(req)
	}
	if boundEndpoint != nil {
		d.slots.setEndpoint(req, boundEndpoint)
	}

	// matched reports whether req belongs to a dialog or transaction this
	// distributor already knows about (dialog-bound state, or a CANCEL
	// reusing its INVITE's tx binding). The overload gate only drops
	// out-of-dialog work; a matched in-dialog request is never dropped
	// here, since the peer would hang up the call on retransmit failure.
	matched := boundSerializer != nil || !fresh

	if !matched && d.overload != nil && d.overload.Overloaded() {
		s.Ref(-1)
		if boundEndpoint != nil {
			boundEndpoint.Ref(-1)
		}
		d.slots.clear(req)
		d.metrics.drop("overload")
		d.log.Warn().Str("call_id", callIDOf(req)).Msg("overloaded, dropping request")
		if tx != nil {
			tx.Terminate()
		}
		return
	}

	if fresh {
		if key, err := transaction.MakeServerTxKey(req); err == nil {
			d.txBindings.Store(key, s)
			if tx != nil {
				// The binding is only useful while the transaction can still
				// receive a CANCEL or a late retransmission.
				go func() {
					<-tx.Done()
					d.txBindings.Delete(key)
				}()
			}
		}
	}

	clone := req.Clone()
	if e, ok := d.slots.getEndpoint(req); ok {
		d.slots.setEndpoint(clone, e)
	}
	d.slots.clear(req)

	if err := s.Push(func() { d.distributeRequest(clone, tx, s) }); err != nil {
		s.Ref(-1)
		if e, ok := d.slots.getEndpoint(clone); ok {
			e.Ref(-1)
		}
		d.slots.clear(clone)
		d.metrics.drop("queue_full")
		d.log.Warn().Str("serializer", s.Name()).Str("msg", req.Short()).Msg("serializer queue full, dropping request")
		if tx != nil {
			tx.Terminate()
		}
		return
	}
	d.metrics.enqueue()
}

// dialogOverride returns the serializer/endpoint the application already
// bound to req's dialog, if a DialogFinder is configured and the dialog is
// known. Either return value may be nil independent of the other.
func (d *Distributor) dialogOverride(req *sip.Request) (*Serializer, *Endpoint) {
	if d.dialogs == nil {
		return nil, nil
	}
	dlg, ok := d.dialogs.Find(req)
	if !ok {
		return nil, nil
	}
	s, _ := getSerializer(dlg)
	e, _ := GetEndpoint(dlg)
	return s, e
}

// pickForRequest resolves the serializer for req: a CANCEL reuses the
// serializer bound to its INVITE's transaction; everything else uses the
// deterministic hash pick, unless a DialogFinder hands back an explicit
// override. fresh reports whether this is the first time this transaction
// key was seen (so onRequest knows whether to (re)record the binding).
func (d *Distributor) pickForRequest(req *sip.Request) (s *Serializer, fresh bool) {
	if key, err := transaction.MakeServerTxKey(req); err == nil {
		if v, ok := d.txBindings.Load(key); ok {
			bound := v.(*Serializer)
			bound.Ref(1)
			return bound, false
		}
	}
	return d.pool.pick(req), true
}

// distributeRequest runs on the chosen serializer's single worker goroutine:
// identify the endpoint, authenticate, then hand off to the application.
func (d *Distributor) distributeRequest(req *sip.Request, tx sip.ServerTransaction, s *Serializer) {
	defer func() {
		if e, ok := d.slots.getEndpoint(req); ok {
			e.Ref(-1)
		}
		d.slots.clear(req)
		s.Ref(-1)
	}()

	ctx := withCurrentSerializer(context.Background(), s)

	if req.IsAck() {
		if d.appReq != nil {
			d.appReq(ctx, req, tx)
		}
		return
	}

	identify(req, d.slots, d.identifiers, d.sink, d.log)
	endpoint, _ := d.slots.getEndpoint(req)

	outcome, resp := authenticate(req, endpoint, d.verifier, d.sink)
	d.metrics.authOutcome(outcome)

	switch outcome {
	case Success:
		if d.appReq != nil {
			// The application owns the transaction from here (it may hold it
			// open across provisional responses); it is responsible for
			// Terminate().
			d.appReq(ctx, req, tx)
			return
		}
		d.respond(tx, sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "Not Implemented", nil))
	default: // Challenge, Failed, Error
		d.respond(tx, resp)
	}
	if tx != nil {
		tx.Terminate()
	}
}

// respond sends res on tx when a transaction is available, falling back to a
// stateless transport write (the artificial-auth/no-handler paths can be
// exercised without ever creating a real server transaction, e.g. in tests).
func (d *Distributor) respond(tx sip.ServerTransaction, res *sip.Response) {
	if tx != nil {
		if err := tx.Respond(res); err != nil {
			d.log.Error().Err(err).Msg("failed to send response on transaction")
		}
		return
	}
	d.sendStateless(res)
}

func (d *Distributor) sendStateless(res *sip.Response) {
	if d.tpLayer == nil {
		d.log.Error().Msg("no transport layer wired, dropping stateless response")
		return
	}
	if err := d.tpLayer.WriteMsg(res); err != nil {
		d.log.Error().Err(err).Msg("failed to send stateless response")
	}
}

// onMatchedCancel is registered as the transaction layer's
// MatchedCancelHandler: a CANCEL whose INVITE server transaction is still
// alive. The CANCEL runs through identification and authentication like
// any other request, on the serializer already bound to its INVITE; only a
// CANCEL that clears authentication is forwarded into the INVITE
// transaction's FSM.
func (d *Distributor) onMatchedCancel(req *sip.Request, invTx *transaction.ServerTx) {
	if !d.booted.Load() {
		d.metrics.drop("not_booted")
		d.log.Debug().Str("msg", req.Short()).Msg("dropping CANCEL received before boot")
		return
	}

	// A matched CANCEL is in-dialog work: never overload-dropped.
	boundSerializer, boundEndpoint := d.dialogOverride(req)
	var s *Serializer
	if boundSerializer != nil {
		s = boundSerializer
	} else {
		s, _ = d.pickForRequest(req)
	}

	clone := req.Clone()
	if boundEndpoint != nil {
		d.slots.setEndpoint(clone, boundEndpoint)
	}
	if err := s.Push(func() { d.distributeCancel(clone, invTx, s) }); err != nil {
		s.Ref(-1)
		if boundEndpoint != nil {
			boundEndpoint.Ref(-1)
		}
		d.slots.clear(clone)
		d.metrics.drop("queue_full")
		d.log.Warn().Str("serializer", s.Name()).Str("msg", req.Short()).Msg("serializer queue full, dropping CANCEL")
		return
	}
	d.metrics.enqueue()
}

// distributeCancel runs on the serializer owning the INVITE. Responses to
// the CANCEL are sent statelessly: the only transaction in play belongs to
// the INVITE, and pushing a CANCEL's 401 through its FSM would corrupt the
// INVITE's state.
func (d *Distributor) distributeCancel(req *sip.Request, invTx *transaction.ServerTx, s *Serializer) {
	defer func() {
		if e, ok := d.slots.getEndpoint(req); ok {
			e.Ref(-1)
		}
		d.slots.clear(req)
		s.Ref(-1)
	}()

	identify(req, d.slots, d.identifiers, d.sink, d.log)
	endpoint, _ := d.slots.getEndpoint(req)

	outcome, resp := authenticate(req, endpoint, d.verifier, d.sink)
	d.metrics.authOutcome(outcome)
	if outcome != Success {
		d.sendStateless(resp)
		return
	}

	if err := invTx.Receive(req); err != nil {
		d.log.Error().Err(err).Str("msg", req.Short()).Msg("INVITE transaction failed to receive CANCEL")
	}
}

// onUnhandledCancel is registered as the transaction layer's
// UnhandledCancelHandler: a CANCEL with no matching INVITE transaction
// gets a stateless 481.
func (d *Distributor) onUnhandledCancel(req *sip.Request) {
	d.metrics.drop("unmatched_cancel")
	d.log.Debug().Str("call_id", callIDOf(req)).Msg("CANCEL with no matching transaction")
	d.sendStateless(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExist, "Call/Transaction Does Not Exist", nil))
}

// onUnhandledResponse is registered as the transaction layer's
// UnhandledResponseHandler: a response with no matching (or no longer
// tracked) client transaction. It recovers the serializer the matching
// outgoing request was tagged with, if any, so related response processing
// still lands on the same queue as the request that triggered it.
func (d *Distributor) onUnhandledResponse(res *sip.Response) {
	if !d.booted.Load() {
		d.metrics.drop("not_booted")
		return
	}

	s, matched := d.pickForResponse(res)

	// As in onRequest, the overload gate only applies when no tagged
	// serializer could be recovered by name; a response that found its
	// tagged serializer is always enqueued.
	if !matched && d.overload != nil && d.overload.Overloaded() {
		s.Ref(-1)
		d.metrics.drop("overload")
		return
	}

	clone := res.Clone()
	if err := s.Push(func() { d.distributeResponse(clone, s) }); err != nil {
		s.Ref(-1)
		d.metrics.drop("queue_full")
		d.log.Warn().Str("serializer", s.Name()).Str("msg", res.Short()).Msg("serializer queue full, dropping response")
		return
	}
	d.metrics.enqueue()
}

// pickForResponse resolves the serializer for res. matched reports whether
// it recovered the tagged serializer by name (true) or fell back to the
// deterministic hash pick (false).
func (d *Distributor) pickForResponse(res *sip.Response) (s *Serializer, matched bool) {
	if key, err := transaction.MakeClientTxKey(res); err == nil {
		if v, ok := d.clientBindings.Load(key); ok {
			if s, ok := d.pool.byNameRef(v.(string)); ok {
				// One recovery per binding; a duplicate unmatched response
				// falls back to the hash pick, which is deterministic for
				// the same Call-ID and remote tag anyway.
				d.clientBindings.Delete(key)
				return s, true
			}
		}
	}
	return d.pool.pick(res), false
}

func (d *Distributor) distributeResponse(res *sip.Response, s *Serializer) {
	defer s.Ref(-1)

	ctx := withCurrentSerializer(context.Background(), s)
	if d.appRes != nil {
		d.appRes(ctx, res)
		return
	}
	d.log.Debug().Str("msg", res.Short()).Msg("unhandled response, no application handler registered")
}

// Pick returns the serializer this distributor would dispatch msg to on the
// hash path, ref-bumped, so application code can originate related work on
// the same queue. Release with s.Ref(-1) when done.
func (d *Distributor) Pick(msg sip.Message) *Serializer {
	return d.pool.pick(msg)
}

// RdataEndpoint reads the endpoint the identifier stage attached to msg.
// The reference is the slot's own; callers keeping it past the message's
// lifetime must Ref(1) it themselves.
func (d *Distributor) RdataEndpoint(msg sip.Message) (*Endpoint, bool) {
	return d.slots.getEndpoint(msg)
}

func callIDOf(req *sip.Request) string {
	if cid, exists := req.CallID(); exists {
		return cid.Value()
	}
	return ""
}
