package distributor

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthTestRequest(t *testing.T) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.REGISTER, sip.Uri{User: "", Host: "example.com"})
	callid := sip.CallIDHeader("auth-test-call-id")
	req.AppendHeader(&callid)
	return req
}

func TestAuthenticateSkipsEndpointsThatDontRequireAuth(t *testing.T) {
	e := NewEndpoint("open", false)
	req := newAuthTestRequest(t)
	sink := &recordingSink{}

	outcome, resp := authenticate(req, e, NewDigestVerifier("test"), sink)
	assert.Equal(t, Success, outcome)
	assert.Nil(t, resp)
}

func TestAuthenticateChallengesMissingAuthorization(t *testing.T) {
	e := NewEndpoint("closed", true, Account{Username: "alice", Password: "wonderland", Realm: "test"})
	req := newAuthTestRequest(t)
	sink := &recordingSink{}

	outcome, resp := authenticate(req, e, NewDigestVerifier("test"), sink)
	require.Equal(t, Challenge, outcome)
	require.NotNil(t, resp)
	assert.Equal(t, sip.StatusUnauthorized, int(resp.StatusCode))
	assert.NotEmpty(t, resp.GetHeader("WWW-Authenticate"))
}

func TestAuthenticateAcceptsCorrectDigestResponse(t *testing.T) {
	account := Account{Username: "alice", Password: "wonderland", Realm: "test"}
	e := NewEndpoint("closed", true, account)
	verifier := NewDigestVerifier("test")
	sink := &recordingSink{}

	req := newAuthTestRequest(t)
	outcome, resp := authenticate(req, e, verifier, sink)
	require.Equal(t, Challenge, outcome)

	chal, err := digest.ParseChallenge(resp.GetHeader("WWW-Authenticate").Value())
	require.NoError(t, err)

	cred, err := digest.Digest(chal, digest.Options{
		Method:   string(sip.REGISTER),
		URI:      req.Recipient.Addr(),
		Username: account.Username,
		Password: account.Password,
	})
	require.NoError(t, err)

	req2 := newAuthTestRequest(t)
	req2.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	outcome2, resp2 := authenticate(req2, e, verifier, sink)
	assert.Equal(t, Success, outcome2)
	assert.Nil(t, resp2)
}

func TestAuthenticateRejectsUnknownUsername(t *testing.T) {
	account := Account{Username: "alice", Password: "wonderland", Realm: "test"}
	e := NewEndpoint("closed", true, account)
	verifier := NewDigestVerifier("test")
	sink := &recordingSink{}

	req := newAuthTestRequest(t)
	req.AppendHeader(sip.NewHeader("Authorization", `Digest username="mallory", realm="test", nonce="n", uri="sip:example.com", response="deadbeef"`))

	outcome, resp := authenticate(req, e, verifier, sink)
	assert.Equal(t, Failed, outcome)
	require.NotNil(t, resp)
	assert.Equal(t, sip.StatusUnauthorized, int(resp.StatusCode))
}
