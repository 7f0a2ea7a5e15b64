package transport

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

var (
	SIPDebug bool

	// IdleConnection will keep connections idle even after transaction terminate
	// -1 	- single response or request will close
	// 0 	- close connection immediatelly after transaction terminate
	// 1 	- keep connection idle after transaction termination
	IdleConnection int = 1
)

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP  = "UDP"
	TransportTCP  = "TCP"
	TransportTLS  = "TLS"
	TransportWS   = "WS"
	TransportWSS  = "WSS"
	TransportQUIC = "QUIC"

	transportBufferSize uint16 = 65535
)

// Addr is a resolved network address, shared with the sip package so
// requests can carry their local/remote addr without an extra conversion.
type Addr = sip.Addr

// Protocol implements network specific features.
type Transport interface {
	Network() string

	// GetConnection returns connection from transport
	// addr must be resolved to IP:port
	GetConnection(addr string) (Connection, error)
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler sip.MessageHandler) (Connection, error)
	String() string
	Close() error
}
