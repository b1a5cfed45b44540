package internal

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

var ErrMissingForwardParams = errors.New("missing forwarding parameters")

// ForwardSpec describes one port forward. For an outbound forward the local
// side listens and the remote side connects out; for an inbound forward it
// is the other way round.
type ForwardSpec struct {
	LocalHost  string
	LocalPort  string
	RemoteHost string
	RemotePort string
}

func (f ForwardSpec) LocalAddr() string {
	return net.JoinHostPort(f.LocalHost, f.LocalPort)
}

func (f ForwardSpec) RemoteAddr() string {
	return net.JoinHostPort(f.RemoteHost, f.RemotePort)
}

func (f ForwardSpec) complete() bool {
	return f.LocalHost != "" && f.LocalPort != "" && f.RemoteHost != "" && f.RemotePort != ""
}

// Forwarder opens forwarded streams over the connection. *ssh.Client
// implements it.
type Forwarder interface {
	Dial(n, addr string) (net.Conn, error)
	DialTCP(n string, laddr, raddr *net.TCPAddr) (net.Conn, error)
	Listen(n, addr string) (net.Listener, error)
}

// Tunnels runs the port forwards of a session. Any failure to set up a
// forwarded stream, and any I/O error on one, is passed to fail: the whole
// session ends, not just the one connection.
type Tunnels struct {
	client      Forwarder
	display     *Display
	dialTimeout time.Duration
	fail        func(error)

	mu        sync.Mutex
	closed    bool
	listeners []net.Listener
	conns     map[net.Conn]struct{}
}

func NewTunnels(client Forwarder, d *Display, dialTimeout time.Duration, fail func(error)) *Tunnels {
	return &Tunnels{
		client:      client,
		display:     d,
		dialTimeout: dialTimeout,
		fail:        fail,
		conns:       make(map[net.Conn]struct{}),
	}
}

// ForwardOut listens on the local side of spec and tunnels every accepted
// connection to spec's remote address, as seen from the remote host. It
// returns the bound local address.
func (t *Tunnels) ForwardOut(spec ForwardSpec) (net.Addr, error) {
	if !spec.complete() {
		return nil, ErrMissingForwardParams
	}

	ln, err := net.Listen("tcp", spec.LocalAddr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", spec.LocalAddr(), err)
	}
	if !t.trackListener(ln) {
		ln.Close()
		return nil, ErrSessionClosed
	}

	t.display.Announce("Forwarding %s to %s via remote host", ln.Addr(), spec.RemoteAddr())
	go t.acceptOut(ln, spec)

	return ln.Addr(), nil
}

func (t *Tunnels) acceptOut(ln net.Listener, spec ForwardSpec) {
	for {
		local, err := ln.Accept()
		if err != nil {
			if !t.isClosed() {
				t.fail(fmt.Errorf("forwarding error: accept on %s: %w", spec.LocalAddr(), err))
			}
			return
		}

		go t.handleOut(local, spec)
	}
}

func (t *Tunnels) handleOut(local net.Conn, spec ForwardSpec) {
	remote, err := t.dialRemote(local.RemoteAddr(), spec)
	if err != nil {
		local.Close()
		t.fail(fmt.Errorf("forwarding error: remote host cannot reach %s: %w", spec.RemoteAddr(), err))
		return
	}

	t.splice(local, remote)
}

// dialRemote opens a direct-tcpip channel, tagged with the originating peer
// when the destination is an IP address.
func (t *Tunnels) dialRemote(peer net.Addr, spec ForwardSpec) (net.Conn, error) {
	ip := net.ParseIP(spec.RemoteHost)
	if ip == nil {
		return t.client.Dial("tcp", spec.RemoteAddr())
	}

	port, err := strconv.Atoi(spec.RemotePort)
	if err != nil {
		return nil, fmt.Errorf("bad port %q: %w", spec.RemotePort, err)
	}

	origin, _ := peer.(*net.TCPAddr)
	return t.client.DialTCP("tcp", origin, &net.TCPAddr{IP: ip, Port: port})
}

// ForwardIn asks the remote host to listen on spec's remote address and
// tunnels every connection it accepts to spec's local address. It returns
// the address the remote side bound.
func (t *Tunnels) ForwardIn(spec ForwardSpec) (net.Addr, error) {
	if !spec.complete() {
		return nil, ErrMissingForwardParams
	}

	ln, err := t.client.Listen("tcp", spec.RemoteAddr())
	if err != nil {
		return nil, fmt.Errorf("remote listen on %s: %w", spec.RemoteAddr(), err)
	}
	if !t.trackListener(ln) {
		ln.Close()
		return nil, ErrSessionClosed
	}

	t.display.Announce("Forwarding remote %s to %s", ln.Addr(), spec.LocalAddr())
	go t.acceptIn(ln, spec)

	return ln.Addr(), nil
}

func (t *Tunnels) acceptIn(ln net.Listener, spec ForwardSpec) {
	for {
		remote, err := ln.Accept()
		if err != nil {
			if !t.isClosed() {
				t.fail(fmt.Errorf("forwarding error: remote listener on %s: %w", spec.RemoteAddr(), err))
			}
			return
		}

		go t.handleIn(remote, spec)
	}
}

func (t *Tunnels) handleIn(remote net.Conn, spec ForwardSpec) {
	local, err := net.DialTimeout("tcp", spec.LocalAddr(), t.dialTimeout)
	if err != nil {
		remote.Close()
		t.fail(fmt.Errorf("forwarding error: cannot connect to %s: %w", spec.LocalAddr(), err))
		return
	}

	t.splice(local, remote)
}

// splice pipes bytes both ways until one side is done, then closes both.
func (t *Tunnels) splice(a, b net.Conn) {
	if !t.trackConns(a, b) {
		a.Close()
		b.Close()
		return
	}
	defer t.untrackConns(a, b)

	errc := make(chan error, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		errc <- err
	}
	go cp(a, b)
	go cp(b, a)

	err := <-errc
	a.Close()
	b.Close()
	// Wait for the second copy to finish; its error is a consequence of
	// the close above.
	<-errc

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !t.isClosed() {
		t.fail(fmt.Errorf("forwarding error: %w", err))
	}
}

func (t *Tunnels) trackListener(ln net.Listener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.listeners = append(t.listeners, ln)
	return true
}

func (t *Tunnels) trackConns(conns ...net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	for _, c := range conns {
		t.conns[c] = struct{}{}
	}
	return true
}

func (t *Tunnels) untrackConns(conns ...net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range conns {
		delete(t.conns, c)
	}
}

// ActiveConns returns the number of forwarded sockets currently open.
func (t *Tunnels) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tunnels) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops the listeners and closes every forwarded socket. Closing
// twice is a no-op.
func (t *Tunnels) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners, conns := t.listeners, t.conns
	t.listeners, t.conns = nil, nil
	t.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	for c := range conns {
		c.Close()
	}

	return errors.Join(errs...)
}
