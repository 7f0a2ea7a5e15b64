package disttest

import (
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// NewRequest builds a minimally valid request for a fresh dialog: distinct
// branch, tag and Call-ID per call, the way the root package's own
// createSimpleRequest test helper does for its transaction tests.
func NewRequest(method sip.RequestMethod, fromUser, toUser, host string) *sip.Request {
	recipient := sip.Uri{User: toUser, Host: host}
	req := sip.NewRequest(method, recipient)

	viaParams := sip.NewParams()
	viaParams.Add("branch", sip.GenerateBranch())
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          viaParams,
	})

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateBranch())
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: fromUser, Host: host},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: toUser, Host: host},
	})

	callid := sip.CallIDHeader("disttest-" + time.Now().Format(time.RFC3339Nano) + "-" + sip.GenerateBranch())
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxfwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)
	req.SetSource("127.0.0.1:5060")
	req.SetTransport("UDP")
	return req
}

// WithToTag adds a To-tag, as if the request belongs to an established
// dialog rather than one still being set up.
func WithToTag(req *sip.Request, tag string) *sip.Request {
	if to, exists := req.To(); exists {
		to.Params.Add("tag", tag)
	}
	return req
}

// WithAuthorization appends a pre-built Authorization header value (the
// caller computes it, typically via github.com/icholy/digest against a
// challenge captured from a prior 401).
func WithAuthorization(req *sip.Request, headerValue string) *sip.Request {
	req.AppendHeader(sip.NewHeader("Authorization", headerValue))
	return req
}

// WWWAuthenticate extracts the WWW-Authenticate header value from a 401, or
// "" if absent.
func WWWAuthenticate(res *sip.Response) string {
	h := res.GetHeader("WWW-Authenticate")
	if h == nil {
		return ""
	}
	return h.Value()
}

// TrimQuotes strips a pair of surrounding double quotes, convenient when
// pulling a bare value out of a digest challenge param.
func TrimQuotes(s string) string {
	return strings.Trim(s, `"`)
}
