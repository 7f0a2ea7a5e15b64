package sip

import (
	"net"
	"strconv"
)

// Addr is resolved network address
type Addr struct {
	// Hostname is routing host, used if IP is not resolved
	Hostname string
	IP       net.IP // Must be in IP format
	Port     int
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
	}

	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// Copy clones a into dst. IP is duplicated to avoid a dangling slice when
// the source address is reused by the transport layer.
func (a *Addr) Copy(dst *Addr) {
	dst.Hostname = a.Hostname
	dst.Port = a.Port
	if a.IP != nil {
		dst.IP = make(net.IP, len(a.IP))
		copy(dst.IP, a.IP)
		return
	}
	dst.IP = nil
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	// In case we are dealing with some named ports this should be called
	// net.LookupPort(network)

	port, err = strconv.Atoi(pstr)
	return host, port, err
}
