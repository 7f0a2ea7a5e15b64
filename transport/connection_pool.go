package transport

import (
	"errors"
	"net"
	"sync"
)

type ConnectionPool struct {
	sync.RWMutex
	m map[string]Connection
}

func NewConnectionPool() ConnectionPool {
	return ConnectionPool{
		m: make(map[string]Connection),
	}
}

func (p *ConnectionPool) Add(a string, c Connection) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *ConnectionPool) Get(a string) (c Connection) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *ConnectionPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}

// CloseAndDelete closes connection and deletes from pool
func (p *ConnectionPool) CloseAndDelete(c Connection, addr string) error {
	p.Lock()
	defer p.Unlock()
	delete(p.m, addr)
	ref, _ := c.TryClose() // Be nice. Saves from double closing
	if ref > 0 {
		return c.Close()
	}
	return nil
}

// Clear will clear all connection from pool and close them
func (p *ConnectionPool) Clear() error {
	p.Lock()
	defer p.Unlock()

	defer func() {
		// Remove all
		p.m = make(map[string]Connection)
	}()

	var werr error
	for _, c := range p.m {
		if c.Ref(0) <= 0 {
			continue
		}
		werr = errors.Join(werr, c.Close())
	}
	return werr
}

func (p *ConnectionPool) Size() int {
	p.RLock()
	l := len(p.m)
	p.RUnlock()
	return l
}

type TCPPool struct {
	sync.RWMutex
	m map[string]*net.TCPConn
}

func NewTCPPool() TCPPool {
	return TCPPool{
		m: make(map[string]*net.TCPConn),
	}
}

func (p *TCPPool) Add(a string, c *net.TCPConn) {
	p.Lock()
	p.m[a] = c
	p.Unlock()
}

func (p *TCPPool) Get(a string) (c *net.TCPConn) {
	p.RLock()
	c = p.m[a]
	p.RUnlock()
	return c
}

func (p *TCPPool) Del(a string) {
	p.Lock()
	delete(p.m, a)
	p.Unlock()
}
