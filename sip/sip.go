package sip

import (
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"

	TxSeperator = "__"
)

// DefaultProtocol is assumed transport when a message carries none.
const DefaultProtocol = "UDP"

// DefaultPort returns the well known port for a transport network,
// used whenever a URI or Via header omits an explicit port.
func DefaultPort(transport string) int {
	switch ASCIIToLower(transport) {
	case "tls", "wss":
		return 5061
	default:
		return 5060
	}
}

// DialogState describes the lifecycle stage of a SIP dialog as tracked by the
// dialog layer. It is intentionally coarse; the distributor only cares that a
// dialog exists, not which of these states it is in.
type DialogState int32

const (
	// DialogStateEstablished is set once a final 2xx response to INVITE is seen.
	DialogStateEstablished DialogState = iota
	// DialogStateConfirmed is set once the ACK completing the INVITE transaction is seen.
	DialogStateConfirmed
	// DialogStateEnded is set once a BYE has completed the dialog.
	DialogStateEnded
)

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	generateBranchStringWrite(sb, n)
	return sb.String()
}

func generateBranchStringWrite(sb *strings.Builder, n int) {
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
}

// GenerateTagN returns a random tag value of n characters, suitable for the
// 'tag' parameter of a From/To header.
func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}
