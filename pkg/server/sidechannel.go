package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/NicolasHaas/wordquizzle/pkg/netconn"
	"github.com/NicolasHaas/wordquizzle/pkg/protocol"
)

var errNoSideChannel = errors.New("server: peer has no side-channel address")

// sideChannelAddr derives a client's UDP endpoint from its TCP peer address;
// clients listen for notices on the port their command socket uses.
func sideChannelAddr(c *netconn.Conn) (*net.UDPAddr, error) {
	tcp, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoSideChannel, c.RemoteAddr())
	}
	return &net.UDPAddr{IP: tcp.IP, Port: tcp.Port, Zone: tcp.Zone}, nil
}

// notify sends a single notice from a throwaway socket.
func (s *Server) notify(c *netconn.Conn, n protocol.Notice) error {
	addr, err := sideChannelAddr(c)
	if err != nil {
		s.metrics.NoticesFailed.Add(1)
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		s.metrics.NoticesFailed.Add(1)
		return fmt.Errorf("server: dial side channel: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write(n.Bytes()); err != nil {
		s.metrics.NoticesFailed.Add(1)
		return fmt.Errorf("server: send notice: %w", err)
	}
	s.metrics.NoticesSent.Add(1)
	return nil
}

// notifyAsync sends a notice without holding up the caller.
func (s *Server) notifyAsync(c *netconn.Conn, n protocol.Notice) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.notify(c, n); err != nil {
			s.log.Debug("notice not sent", "notice", n.String(), "conn", c.ID(), "err", err)
		}
	}()
}

// handshake is a private UDP socket used for one challenge: it offers the
// challenge to the invitee and waits for the reply.
type handshake struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	metrics *Metrics
}

func (s *Server) openHandshake(peer *net.UDPAddr) (*handshake, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("server: open side channel: %w", err)
	}
	return &handshake{conn: conn, peer: peer, metrics: s.metrics}, nil
}

func (h *handshake) send(n protocol.Notice) error {
	if _, err := h.conn.WriteToUDP(n.Bytes(), h.peer); err != nil {
		h.metrics.NoticesFailed.Add(1)
		return fmt.Errorf("server: send notice: %w", err)
	}
	h.metrics.NoticesSent.Add(1)
	return nil
}

// awaitAccepted blocks until the invitee sends "accepted" or ctx ends, in
// which case it returns the context's cause. Other datagrams, and anything
// from another address, are ignored.
func (h *handshake) awaitAccepted(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = h.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, protocol.MaxNotice)
	for {
		n, from, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("server: side channel read: %w", err)
		}
		if !h.fromPeer(from) {
			continue
		}
		notice, err := protocol.ParseNotice(buf[:n])
		if err == nil && notice.Kind == protocol.NoticeAccepted {
			return nil
		}
	}
}

func (h *handshake) fromPeer(addr *net.UDPAddr) bool {
	return addr != nil && addr.Port == h.peer.Port && addr.IP.Equal(h.peer.IP)
}

func (h *handshake) Close() error {
	return h.conn.Close()
}
