package sip

// Transaction is the common behaviour shared by client and server
// transactions, as managed by the transaction package.
type Transaction interface {
	// Terminate forces the transaction to Terminated state and stops
	// any pending retransmission/timeout timers.
	Terminate()
	// Done is closed once the transaction reaches Terminated state.
	Done() <-chan struct{}
}

// ClientTransaction is a SIP transaction started by an outgoing request.
type ClientTransaction interface {
	Transaction
	// Responses returns provisional and final responses matched to this transaction.
	Responses() <-chan *Response
	// Err returns the terminating error, if the transaction ended abnormally.
	Err() error
}

// ServerTransaction is a SIP transaction started by an incoming request.
type ServerTransaction interface {
	Transaction
	// Respond sends a response belonging to this transaction.
	Respond(res *Response) error
	// Acks delivers ACK requests matched to a non-2xx INVITE transaction.
	Acks() <-chan *Request
	// Cancels delivers CANCEL requests matched to this transaction.
	Cancels() <-chan *Request
}
