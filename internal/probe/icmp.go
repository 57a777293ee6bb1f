package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var echoPayload = []byte("pingsanto-monitor")

// ICMPProber sends a single ICMP echo request per probe. Privileged probers
// use raw sockets; unprivileged ones use datagram ICMP sockets where the
// kernel allows it.
type ICMPProber struct {
	privileged bool
	id         int
	seq        atomic.Uint32
}

func NewICMPProber(privileged bool) *ICMPProber {
	return &ICMPProber{
		privileged: privileged,
		id:         os.Getpid() & 0xffff,
	}
}

func (p *ICMPProber) Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (bool, error) {
	addr = addr.Unmap()
	network, listenAddr := p.listenNetwork(addr)
	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		return false, fmt.Errorf("listen %s: %w", network, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	req, err := echoRequest(addr, p.id, seq)
	if err != nil {
		return false, err
	}
	if _, err := conn.WriteTo(req, p.destination(addr)); err != nil {
		return false, fmt.Errorf("send echo to %s: %w", addr, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return false, ctxErr
				}
				return false, nil
			}
			return false, fmt.Errorf("read echo reply: %w", err)
		}
		if peerAddr(peer) != addr.WithZone("") {
			continue
		}
		if isEchoReply(addr, buf[:n], p.id, seq, p.privileged) {
			return true, nil
		}
	}
}

func (p *ICMPProber) listenNetwork(addr netip.Addr) (string, string) {
	switch {
	case addr.Is4() && p.privileged:
		return "ip4:icmp", "0.0.0.0"
	case addr.Is4():
		return "udp4", "0.0.0.0"
	case p.privileged:
		return "ip6:ipv6-icmp", "::"
	default:
		return "udp6", "::"
	}
}

func (p *ICMPProber) destination(addr netip.Addr) net.Addr {
	if p.privileged {
		return &net.IPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	}
	return &net.UDPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
}

func echoRequest(addr netip.Addr, id, seq int) ([]byte, error) {
	var typ icmp.Type = ipv4.ICMPTypeEcho
	if addr.Is6() {
		typ = ipv6.ICMPTypeEchoRequest
	}
	msg := icmp.Message{
		Type: typ,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: echoPayload},
	}
	data, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal echo request: %w", err)
	}
	return data, nil
}

// isEchoReply reports whether data is the reply to our echo. Datagram sockets
// rewrite the identifier, so only the sequence is compared there.
func isEchoReply(addr netip.Addr, data []byte, id, seq int, checkID bool) bool {
	proto := protocolICMP
	var want icmp.Type = ipv4.ICMPTypeEchoReply
	if addr.Is6() {
		proto = protocolIPv6ICMP
		want = ipv6.ICMPTypeEchoReply
	}
	msg, err := icmp.ParseMessage(proto, data)
	if err != nil || msg.Type != want {
		return false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}
	return !checkID || echo.ID == id
}

func peerAddr(peer net.Addr) netip.Addr {
	var ip net.IP
	switch a := peer.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
