package disttest

import (
	"github.com/emiago/sipgo/distributor"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

// SecuritySink is a distributor.SecurityEventSink that writes every event to
// a logrus audit logger instead of (or alongside) zerolog's operational log,
// so tests can assert on the audit trail via the logrus test hook without
// depending on zerolog's output format.
type SecuritySink struct {
	Log  *logrus.Logger
	Hook *logrustest.Hook
}

// NewSecuritySink builds a SecuritySink over a fresh null logger (writes
// discarded, entries captured in Hook.Entries).
func NewSecuritySink() *SecuritySink {
	log, hook := logrustest.NewNullLogger()
	return &SecuritySink{Log: log, Hook: hook}
}

func (s *SecuritySink) InvalidEndpoint(name string, req *sip.Request) {
	s.Log.WithFields(logrus.Fields{
		"event":     "invalid_endpoint",
		"from_user": name,
		"call_id":   callID(req),
	}).Warn("no matching endpoint")
}

func (s *SecuritySink) AuthChallengeSent(e *distributor.Endpoint, req *sip.Request) {
	s.Log.WithFields(logrus.Fields{
		"event":    "auth_challenge",
		"endpoint": endpointName(e),
		"call_id":  callID(req),
	}).Info("challenge sent")
}

func (s *SecuritySink) AuthSuccess(e *distributor.Endpoint, req *sip.Request) {
	s.Log.WithFields(logrus.Fields{
		"event":    "auth_success",
		"endpoint": endpointName(e),
		"call_id":  callID(req),
	}).Info("authenticated")
}

func (s *SecuritySink) AuthFailed(e *distributor.Endpoint, req *sip.Request) {
	s.Log.WithFields(logrus.Fields{
		"event":    "auth_failed",
		"endpoint": endpointName(e),
		"call_id":  callID(req),
	}).Warn("authentication failed")
}

func endpointName(e *distributor.Endpoint) string {
	if e == nil {
		return ""
	}
	return e.Name
}

func callID(req *sip.Request) string {
	if cid, exists := req.CallID(); exists {
		return cid.Value()
	}
	return ""
}
