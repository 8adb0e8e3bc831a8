// Package transport owns the single UDP socket all LSNP traffic moves over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("lsnp:transport")

const (
	// DefaultPort is the LSNP well-known port.
	DefaultPort = 50999
	// BufferSize bounds a single datagram.
	BufferSize = 4096
)

// Handler receives each decoded-enough datagram with its source address.
type Handler func(data []byte, src *net.UDPAddr)

// UDP is a socket bound to INADDR_ANY:port with subnet broadcast support.
type UDP struct {
	conn    *net.UDPConn
	port    int
	localIP net.IP
}

// Listen binds the socket and resolves the local IPv4 address.
func Listen(port int) (*UDP, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind :%d: %w", port, err)
	}
	ip, err := localIPv4()
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Infof("listening on %s (local ip %s)", conn.LocalAddr(), ip)
	return &UDP{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port, localIP: ip}, nil
}

// localIPv4 finds the outbound IPv4 address by opening a throwaway datagram
// "connection"; no packet is sent.
func localIPv4() (net.IP, error) {
	c, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1), nil
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP, nil
}

// LocalIP returns the IPv4 address used in the full user ID.
func (u *UDP) LocalIP() string {
	return u.localIP.String()
}

// Port returns the bound UDP port.
func (u *UDP) Port() int {
	return u.port
}

// BroadcastAddr returns the subnet broadcast address <prefix>.255:port.
func (u *UDP) BroadcastAddr() *net.UDPAddr {
	ip := u.localIP.To4()
	bcast := net.IPv4(ip[0], ip[1], ip[2], 255)
	return &net.UDPAddr{IP: bcast, Port: u.port}
}

// Send writes one datagram to an explicit peer address.
func (u *UDP) Send(data []byte, ip string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if addr.IP == nil {
		return fmt.Errorf("transport: bad peer address %q", ip)
	}
	_, err := u.conn.WriteToUDP(data, addr)
	return err
}

// Broadcast writes one datagram to the subnet broadcast address.
func (u *UDP) Broadcast(data []byte) error {
	_, err := u.conn.WriteToUDP(data, u.BroadcastAddr())
	return err
}

// ReceiveLoop reads datagrams until the context is cancelled or the socket is
// closed, handing each to the handler on the receive goroutine.
func (u *UDP) ReceiveLoop(ctx context.Context, handle Handler) {
	buf := make([]byte, BufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Debugf("receive: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handle(data, src)
	}
}

// Close shuts the socket down, unblocking the receive loop.
func (u *UDP) Close() error {
	return u.conn.Close()
}
