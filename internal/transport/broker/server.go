// Package broker implements the transport variant for devices behind an
// MQTT-style gateway: a TCP control path speaking a subset of MQTT 3.1.1 and
// a UDP audio path carrying AES-128-CTR encrypted datagrams.
package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/audio"
)

// SessionHandler runs the session loop for one accepted, authenticated
// connection. It must return when the connection closes.
type SessionHandler func(ctx context.Context, c *Conn)

// Server accepts broker control connections and routes their UDP audio.
type Server struct {
	auth       *auth.Authenticator
	publicHost string
	udpPort    int
	handler    SessionHandler

	mu     sync.Mutex
	conns  map[uint32]*Conn
	nextID atomic.Uint32

	udpConn atomic.Pointer[net.UDPConn]
}

// NewServer creates a broker Server. publicHost and udpPort are advertised
// to devices in the hello reply.
func NewServer(a *auth.Authenticator, publicHost string, udpPort int, handler SessionHandler) *Server {
	return &Server{
		auth:       a,
		publicHost: publicHost,
		udpPort:    udpPort,
		handler:    handler,
		conns:      map[uint32]*Conn{},
	}
}

// Serve accepts control connections until ctx is done or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		tcp, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		go s.handleConn(ctx, tcp)
	}
}

// ServeDatagram reads audio datagrams until ctx is done.
func (s *Server) ServeDatagram(ctx context.Context, conn *net.UDPConn) error {
	s.udpConn.Store(conn)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: read datagram: %w", err)
		}
		if n < transport.AudioHeaderSize {
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		// The header is sent in the clear; its conn_id field routes the
		// packet. Devices copy the id from the nonce template in the hello.
		h, _, err := transport.DecodeAudioHeader(packet)
		if err != nil {
			continue
		}
		s.mu.Lock()
		c := s.conns[h.ConnID]
		s.mu.Unlock()
		if c == nil {
			continue
		}
		c.deliverDatagram(packet, remote)
	}
}

func (s *Server) sendDatagram(packet []byte, remote *net.UDPAddr) error {
	conn := s.udpConn.Load()
	if conn == nil {
		return nil
	}
	if _, err := conn.WriteToUDP(packet, remote); err != nil {
		return fmt.Errorf("broker: send datagram: %w", err)
	}
	return nil
}

func (s *Server) dropConn(id uint32) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// handleConn performs the CONNECT handshake and then pumps control packets
// into the session until the connection dies.
func (s *Server) handleConn(ctx context.Context, tcp net.Conn) {
	reader := bufio.NewReader(tcp)

	_ = tcp.SetReadDeadline(time.Now().Add(10 * time.Second))
	first, err := readPacket(reader)
	if err != nil || first.kind != packetConnect {
		slog.Debug("broker connection without CONNECT", "remote", tcp.RemoteAddr())
		tcp.Close()
		return
	}
	_ = tcp.SetReadDeadline(time.Time{})

	connect, err := parseConnect(first.body)
	if err != nil {
		slog.Warn("broker malformed CONNECT", "remote", tcp.RemoteAddr(), "error", err)
		tcp.Close()
		return
	}

	group, deviceID, err := parseClientID(connect.clientID)
	if err != nil {
		slog.Warn("broker rejected client id", "remote", tcp.RemoteAddr(), "error", err)
		_, _ = tcp.Write(encodeConnack(connackRefused))
		tcp.Close()
		return
	}

	if err := s.auth.Verify(connect.clientID, deviceID, connect.password); err != nil {
		slog.Warn("broker authentication failed",
			"remote", tcp.RemoteAddr(),
			"device_id", deviceID,
			"error", err)
		_, _ = tcp.Write(encodeConnack(connackRefused))
		tcp.Close()
		return
	}

	c := &Conn{
		server:     s,
		tcp:        tcp,
		connID:     s.nextID.Add(1),
		clientID:   connect.clientID,
		deviceID:   deviceID,
		groupID:    group,
		replyTopic: "devices/p2p/" + deviceID,
		keepAlive:  time.Duration(connect.keepAlive) * time.Second,
		inbound:    make(chan transport.Frame, 256),
		done:       make(chan struct{}),
	}
	c.frameDurMs.Store(audio.FrameDurationMs)
	c.touch()

	s.mu.Lock()
	s.conns[c.connID] = c
	s.mu.Unlock()

	if err := c.writePacket(encodeConnack(connackAccepted)); err != nil {
		c.Close()
		return
	}
	slog.Info("broker client connected",
		"device_id", deviceID,
		"group", group,
		"remote", tcp.RemoteAddr(),
		"keep_alive", c.keepAlive)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.keepAlive > 0 {
		go c.keepAliveLoop(connCtx)
	}
	go s.handler(connCtx, c)

	s.readLoop(c, reader)
	c.Close()
}

// readLoop decodes control packets and feeds PUBLISH payloads into the
// session as text frames.
func (s *Server) readLoop(c *Conn, reader *bufio.Reader) {
	for {
		p, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				slog.Debug("broker read failed", "device_id", c.deviceID, "error", err)
			}
			return
		}
		c.touch()

		switch p.kind {
		case packetPublish:
			pub, err := parsePublish(p)
			if err != nil {
				slog.Debug("broker malformed PUBLISH", "device_id", c.deviceID, "error", err)
				continue
			}
			if pub.qos > 0 {
				_ = c.writePacket(encodePuback(pub.packetID))
			}
			c.deliver(transport.Frame{Kind: transport.FrameText, Data: pub.payload})

		case packetSubscribe:
			packetID, topics, err := parseSubscribe(p.body)
			if err != nil {
				slog.Debug("broker malformed SUBSCRIBE", "device_id", c.deviceID, "error", err)
				continue
			}
			_ = c.writePacket(encodeSuback(packetID, len(topics)))

		case packetPingreq:
			_ = c.writePacket(encodePingresp())

		case packetDisconnect:
			slog.Debug("broker client disconnected", "device_id", c.deviceID)
			return

		default:
			slog.Debug("broker ignoring packet", "device_id", c.deviceID, "kind", p.kind)
		}
	}
}

// keepAliveLoop closes the connection when no activity is seen within 1.5
// times the negotiated interval.
func (c *Conn) keepAliveLoop(ctx context.Context) {
	limit := c.keepAlive + c.keepAlive/2
	ticker := time.NewTicker(c.keepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.UnixMilli(c.lastActivity.Load())
			if time.Since(last) > limit {
				slog.Info("broker keep-alive timeout", "device_id", c.deviceID)
				c.Close()
				return
			}
		}
	}
}
