package distributor

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Outcome is the result of an authentication check.
type Outcome int

const (
	Challenge Outcome = iota
	Success
	Failed
	Error
)

// Verifier is the pluggable authentication backend consulted after
// identification has resolved an endpoint.
type Verifier interface {
	RequiresAuth(e *Endpoint) bool
	// Check validates req against e's configured accounts. prepared401 is
	// the already-built 401 response sent on Challenge or Failed;
	// the verifier only needs to fill in/refresh its WWW-Authenticate
	// header.
	Check(e *Endpoint, req *sip.Request, prepared401 *sip.Response) (Outcome, error)
}

// DigestVerifier implements RFC 2617 digest challenge/response: build a
// digest.Challenge, send it as WWW-Authenticate on 401, then parse the
// client's Authorization header with digest.ParseCredentials and compare
// the recomputed response.
type DigestVerifier struct {
	Realm string
}

func NewDigestVerifier(realm string) *DigestVerifier {
	return &DigestVerifier{Realm: realm}
}

func (v *DigestVerifier) RequiresAuth(e *Endpoint) bool {
	return e != nil && e.RequireAuth
}

func (v *DigestVerifier) Check(e *Endpoint, req *sip.Request, prepared401 *sip.Response) (Outcome, error) {
	authHeader := req.GetHeader("Authorization")
	if authHeader == nil {
		chal := v.newChallenge()
		prepared401.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		return Challenge, nil
	}

	cred, err := digest.ParseCredentials(authHeader.Value())
	if err != nil {
		return Error, fmt.Errorf("distributor: parse Authorization header: %w", err)
	}

	account, ok := matchAccount(e, cred.Username)
	if !ok {
		chal := v.newChallenge()
		prepared401.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		return Failed, nil
	}

	chal := &digest.Challenge{
		Realm:     v.Realm,
		Nonce:     cred.Nonce,
		Algorithm: cred.Algorithm,
	}
	expected, err := digest.Digest(chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: account.Username,
		Password: account.Password,
	})
	if err != nil {
		return Error, fmt.Errorf("distributor: compute digest: %w", err)
	}

	if cred.Response != expected.Response {
		refreshed := v.newChallenge()
		prepared401.AppendHeader(sip.NewHeader("WWW-Authenticate", refreshed.String()))
		return Failed, nil
	}

	return Success, nil
}

func (v *DigestVerifier) newChallenge() *digest.Challenge {
	return &digest.Challenge{
		Realm:     v.Realm,
		Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
		Opaque:    "distributor",
		Algorithm: "MD5",
	}
}

func matchAccount(e *Endpoint, username string) (Account, bool) {
	for _, a := range e.Accounts {
		if a.Username == username {
			return a, true
		}
	}
	return Account{}, false
}

// authenticate checks req against its identified endpoint. Responses and
// ACKs never reach it (distributeRequest only invokes this for non-ACK
// requests).
// It returns the outcome and, for Challenge/Failed/Error, the response the
// caller must send; for Success it returns (Success, nil) and
// the caller passes the request on to the application.
func authenticate(req *sip.Request, e *Endpoint, verifier Verifier, sink SecurityEventSink) (Outcome, *sip.Response) {
	if !verifier.RequiresAuth(e) {
		return Success, nil
	}

	prepared401 := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)

	outcome, err := verifier.Check(e, req, prepared401)
	if err != nil {
		sink.AuthFailed(e, req)
		return Error, sip.NewResponseFromRequest(req, sip.StatusServerInternalError, "Server Internal Error", nil)
	}

	switch outcome {
	case Challenge:
		sink.AuthChallengeSent(e, req)
		return Challenge, prepared401
	case Success:
		sink.AuthSuccess(e, req)
		return Success, nil
	case Failed:
		sink.AuthFailed(e, req)
		return Failed, prepared401
	default:
		sink.AuthFailed(e, req)
		return Error, sip.NewResponseFromRequest(req, sip.StatusServerInternalError, "Server Internal Error", nil)
	}
}
