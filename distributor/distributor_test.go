package distributor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipgo/siptest"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx is a minimal sip.ServerTransaction double, local to this package so
// distributor_test.go can exercise unexported Distributor fields without
// importing distributor/disttest (which imports this package).
type fakeTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
	cancels   chan *sip.Request
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		done:    make(chan struct{}),
		acks:    make(chan *sip.Request, 1),
		cancels: make(chan *sip.Request, 1),
	}
}

func (t *fakeTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, res)
	return nil
}
func (t *fakeTx) Acks() <-chan *sip.Request    { return t.acks }
func (t *fakeTx) Cancels() <-chan *sip.Request { return t.cancels }
func (t *fakeTx) Terminate() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}
func (t *fakeTx) Done() <-chan struct{} { return t.done }

func (t *fakeTx) Terminated() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTx) last() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

func newBareDistributor(appReq RequestHandler) *Distributor {
	d := &Distributor{
		pool:     NewPool(7, "test"),
		slots:    newSlotTable(),
		verifier: NewDigestVerifier("test"),
		sink:     noopSecurityEventSink{},
		appReq:   appReq,
		log:      zerolog.Nop(),
	}
	d.booted.Store(true)
	return d
}

func inviteRequest(fromUser string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"})
	from := &sip.FromHeader{Address: sip.Uri{User: fromUser, Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "from-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "example.com"}})
	callid := sip.CallIDHeader("dist-test-call-id")
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	viaParams := sip.NewParams()
	viaParams.Add("branch", sip.GenerateBranch())
	req.AppendHeader(&sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Params: viaParams})
	return req
}

func TestOnRequestRoutesToApplicationWhenNoAuthRequired(t *testing.T) {
	resetArtificialSingletons()
	alice := NewEndpoint("alice", false)
	var gotCtx context.Context
	called := make(chan struct{})

	d := newBareDistributor(func(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
		gotCtx = ctx
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		close(called)
	})
	defer d.pool.Close()
	d.identifiers = []Identifier{NewFromURIIdentifier(map[string]*Endpoint{"alice": alice})}

	tx := newFakeTx()
	req := inviteRequest("alice")
	d.onRequest(req, tx)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("application handler was never invoked")
	}

	_, ok := serializerFromContext(gotCtx)
	assert.True(t, ok, "distributeRequest must stamp the serializer into ctx")

	resp := tx.last()
	require.NotNil(t, resp)
	assert.Equal(t, sip.StatusOK, resp.StatusCode)
}

func TestOnRequestChallengesUnknownEndpoint(t *testing.T) {
	resetArtificialSingletons()
	d := newBareDistributor(func(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
		t.Fatal("application handler must not run before authentication succeeds")
	})
	defer d.pool.Close()

	tx := newFakeTx()
	req := inviteRequest("nobody")
	d.onRequest(req, tx)

	require.Eventually(t, func() bool { return tx.last() != nil }, time.Second, time.Millisecond)
	resp := tx.last()
	assert.Equal(t, sip.StatusUnauthorized, resp.StatusCode)
}

func TestOnRequestDropsBeforeBoot(t *testing.T) {
	d := newBareDistributor(nil)
	defer d.pool.Close()
	d.booted.Store(false)

	tx := newFakeTx()
	req := inviteRequest("alice")
	d.onRequest(req, tx)

	assert.Nil(t, tx.last())
	assert.True(t, tx.Terminated())
}

func TestOnUnhandledCancelSendsStatelessResponse(t *testing.T) {
	d := newBareDistributor(nil)
	defer d.pool.Close()

	req := inviteRequest("alice")
	req.Method = sip.CANCEL
	// no transport layer wired: onUnhandledCancel must not panic, and logs
	// the drop instead of writing to the network.
	d.onUnhandledCancel(req)

	// With a transport wired, the 481 goes out statelessly.
	sent := &statelessRecorder{}
	d.tpLayer = sent
	d.onUnhandledCancel(req)
	require.NotNil(t, sent.last())
	assert.Equal(t, sip.StatusCallTransactionDoesNotExist, sent.last().StatusCode)
}

type fixedDialogFinder struct {
	dlg *sipgo.Dialog
}

func (f *fixedDialogFinder) Find(req *sip.Request) (*sipgo.Dialog, bool) {
	return f.dlg, f.dlg != nil
}

func TestOnRequestHonorsDialogBoundSerializer(t *testing.T) {
	resetArtificialSingletons()
	var gotName string
	called := make(chan struct{})
	d := newBareDistributor(func(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
		if s, ok := serializerFromContext(ctx); ok {
			gotName = s.Name()
		}
		close(called)
	})
	defer d.pool.Close()
	d.identifiers = []Identifier{NewFromURIIdentifier(map[string]*Endpoint{"alice": NewEndpoint("alice", false)})}

	dlg := newTestDialog()
	bound, ok := d.pool.byNameRef("test/distributor/5")
	require.True(t, ok)
	SetSerializer(dlg, bound)
	d.dialogs = &fixedDialogFinder{dlg: dlg}

	tx := newFakeTx()
	d.onRequest(inviteRequest("alice"), tx)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("application handler was never invoked")
	}
	assert.Equal(t, "test/distributor/5", gotName)
}

func TestOnRequestDropsOutOfDialogWhenOverloaded(t *testing.T) {
	resetArtificialSingletons()
	called := make(chan struct{})
	d := newBareDistributor(func(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		close(called)
	})
	defer d.pool.Close()
	d.identifiers = []Identifier{NewFromURIIdentifier(map[string]*Endpoint{"alice": NewEndpoint("alice", false)})}

	overloaded := true
	d.overload = OverloadOracleFunc(func() bool { return overloaded })

	tx := newFakeTx()
	d.onRequest(inviteRequest("alice"), tx)

	// Dropped silently: no outgoing SIP message, no task enqueued.
	assert.Nil(t, tx.last())
	assert.True(t, tx.Terminated())

	overloaded = false
	tx2 := newFakeTx()
	d.onRequest(inviteRequest("alice"), tx2)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("request was not dispatched after overload cleared")
	}
	require.NotNil(t, tx2.last())
	assert.Equal(t, sip.StatusOK, tx2.last().StatusCode)
}

// statelessRecorder captures responses the distributor sends outside any
// transaction (the matched-CANCEL challenge path).
type statelessRecorder struct {
	mu   sync.Mutex
	msgs []sip.Message
}

func (r *statelessRecorder) WriteMsg(msg sip.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *statelessRecorder) last() *sip.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	res, _ := r.msgs[len(r.msgs)-1].(*sip.Response)
	return res
}

func cancelFor(invite *sip.Request) *sip.Request {
	cancel := invite.Clone()
	cancel.Method = sip.CANCEL
	cancel.RemoveHeader("Authorization")
	if cseq, ok := cancel.CSeq(); ok {
		cseq.MethodName = sip.CANCEL
	}
	return cancel
}

// Drives the wired matched-CANCEL path end to end against a live INVITE
// server transaction: the CANCEL must run identification and digest
// authentication on the INVITE's serializer, and only an authenticated
// CANCEL may reach the transaction's FSM.
func TestMatchedCancelRunsIdentifyAndAuthenticate(t *testing.T) {
	resetArtificialSingletons()
	account := Account{Username: "alice", Password: "wonderland", Realm: "test"}
	alice := NewEndpoint("alice", true, account)

	ringing := make(chan struct{}, 1)
	d := newBareDistributor(func(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
		// Hold the transaction open in proceeding, as a real UAS would
		// while the call is being offered.
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil))
		ringing <- struct{}{}
	})
	defer d.pool.Close()
	sent := &statelessRecorder{}
	d.tpLayer = sent
	d.identifiers = []Identifier{NewFromURIIdentifier(map[string]*Endpoint{"alice": alice})}

	// INVITE with valid credentials establishes the live transaction.
	invite := inviteRequest("alice")
	chal := &digest.Challenge{Realm: "test", Nonce: "testnonce", Algorithm: "MD5"}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.INVITE),
		URI:      invite.Recipient.Addr(),
		Username: account.Username,
		Password: account.Password,
	})
	require.NoError(t, err)
	invite.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	invTx := siptest.NewServerTxRecorder(invite)
	defer invTx.Terminate()
	cancels := invTx.Cancels()

	d.onRequest(invite, invTx)
	select {
	case <-ringing:
	case <-time.After(time.Second):
		t.Fatal("INVITE never reached the application handler")
	}

	// Pin the INVITE's serializer with a blocking task: the CANCEL must
	// queue behind it, proving it runs on the same serializer.
	bound, fresh := d.pickForRequest(invite)
	require.False(t, fresh)
	gate := make(chan struct{})
	require.NoError(t, bound.Push(func() { <-gate }))

	d.onMatchedCancel(cancelFor(invite), invTx.ServerTx)
	assert.Nil(t, sent.last(), "CANCEL must wait for the INVITE's serializer")
	close(gate)
	bound.Ref(-1)

	// Without credentials the CANCEL is challenged statelessly and never
	// reaches the INVITE transaction.
	require.Eventually(t, func() bool { return sent.last() != nil }, time.Second, time.Millisecond)
	challenge := sent.last()
	assert.Equal(t, sip.StatusUnauthorized, challenge.StatusCode)
	cseq, _ := challenge.CSeq()
	assert.Equal(t, sip.CANCEL, cseq.MethodName)
	select {
	case <-cancels:
		t.Fatal("unauthenticated CANCEL must not reach the INVITE transaction")
	default:
	}

	// A CANCEL answering the challenge passes and is handed into the
	// INVITE transaction's FSM.
	wwwAuth := challenge.GetHeader("WWW-Authenticate")
	require.NotNil(t, wwwAuth)
	cancelChal, err := digest.ParseChallenge(wwwAuth.Value())
	require.NoError(t, err)
	cancelCred, err := digest.Digest(cancelChal, digest.Options{
		Method:   string(sip.CANCEL),
		URI:      invite.Recipient.Addr(),
		Username: account.Username,
		Password: account.Password,
	})
	require.NoError(t, err)

	authed := cancelFor(invite)
	authed.AppendHeader(sip.NewHeader("Authorization", cancelCred.String()))

	d.onMatchedCancel(authed, invTx.ServerTx)
	select {
	case got := <-cancels:
		assert.True(t, got.IsCancel())
	case <-time.After(time.Second):
		t.Fatal("authenticated CANCEL never reached the INVITE transaction")
	}
}
