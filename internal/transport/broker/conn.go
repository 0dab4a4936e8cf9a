package broker

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/transport"
)

var _ transport.Transport = (*Conn)(nil)

// Conn is one device connection on the broker transport. Control messages
// travel as PUBLISH packets over TCP; audio travels as encrypted datagrams
// over the server's UDP endpoint, negotiated through DatagramInfo.
type Conn struct {
	server *Server
	tcp    net.Conn
	connID uint32

	clientID string
	deviceID string
	groupID  string

	// replyTopic is where server-to-device control messages are published.
	replyTopic string

	keepAlive    time.Duration
	lastActivity atomic.Int64

	writeMu sync.Mutex

	// inbound stays open for the life of the process; done signals shutdown
	// so a concurrent deliver can never hit a closed channel.
	inbound chan transport.Frame
	done    chan struct{}

	udpMu     sync.Mutex
	udpKey    []byte
	udpRemote *net.UDPAddr

	// udpSeq numbers outbound datagrams; frameDurMs turns the count into the
	// playback timestamp of the packet.
	udpSeq     atomic.Uint32
	frameDurMs atomic.Uint32

	closed    atomic.Bool
	closeOnce sync.Once
}

// parseClientID splits the broker client id `group@@@MAC@@@uuid`. The MAC
// field uses `_` in place of `:`.
func parseClientID(clientID string) (group, deviceID string, err error) {
	parts := strings.Split(clientID, "@@@")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("broker: malformed client id %q", clientID)
	}
	return parts[0], strings.ReplaceAll(parts[1], "_", ":"), nil
}

// DeviceID returns the device id parsed from the client id.
func (c *Conn) DeviceID() string { return c.deviceID }

// ClientID returns the raw broker client id.
func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixMilli()) }

// SendText implements transport.Transport by publishing to the device's
// reply topic.
func (c *Conn) SendText(ctx context.Context, text string) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	return c.writePacket(encodePublish(c.replyTopic, []byte(text)))
}

// SendBinary implements transport.Transport by sending one encrypted
// datagram. Frames are dropped until the device has sent its first datagram,
// because the remote address is unknown before that.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}

	c.udpMu.Lock()
	key := c.udpKey
	remote := c.udpRemote
	c.udpMu.Unlock()

	if key == nil || remote == nil {
		return nil
	}

	// The full header doubles as the CTR IV, so the monotone sequence also
	// keeps the keystream unique per packet.
	packet := transport.EncodeAudioHeader(c.nextAudioHeader(), data)
	if err := cryptCTR(key, packet[:transport.AudioHeaderSize], packet[transport.AudioHeaderSize:]); err != nil {
		return err
	}
	return c.server.sendDatagram(packet, remote)
}

// SetFrameDuration records the negotiated audio frame duration, which drives
// outbound datagram timestamps.
func (c *Conn) SetFrameDuration(ms int) {
	if ms > 0 {
		c.frameDurMs.Store(uint32(ms))
	}
}

// nextAudioHeader numbers one outbound datagram. The timestamp is the frame's
// position on the playback schedule, not the wall clock.
func (c *Conn) nextAudioHeader() transport.AudioHeader {
	seq := c.udpSeq.Add(1)
	return transport.AudioHeader{
		Type:      transport.AudioTypeOpus,
		ConnID:    c.connID,
		Timestamp: seq * c.frameDurMs.Load(),
		Seq:       seq,
	}
}

// Receive implements transport.Transport. Frames already queued before Close
// are still drained.
func (c *Conn) Receive(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

// IsConnected implements transport.Transport.
func (c *Conn) IsConnected() bool { return !c.closed.Load() }

// RemoteAddr implements transport.Transport.
func (c *Conn) RemoteAddr() string { return c.tcp.RemoteAddr().String() }

// Close implements transport.Transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.tcp.Close()
		c.server.dropConn(c.connID)
	})
	return nil
}

// DatagramInfo issues the UDP audio parameters for the hello reply: server
// host, port, a fresh AES-128 key, and the nonce template carrying this
// connection's id. Called once per hello.
func (c *Conn) DatagramInfo() (server string, port int, keyHex, nonceHex string, err error) {
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		return "", 0, "", "", fmt.Errorf("broker: generate udp key: %w", err)
	}

	c.udpMu.Lock()
	c.udpKey = key
	c.udpMu.Unlock()

	nonce := transport.EncodeAudioHeader(transport.AudioHeader{
		Type:   transport.AudioTypeOpus,
		ConnID: c.connID,
	}, nil)
	return c.server.publicHost, c.server.udpPort, hex.EncodeToString(key), hex.EncodeToString(nonce), nil
}

// writePacket serialises one control packet to the TCP connection.
func (c *Conn) writePacket(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.tcp.Write(data); err != nil {
		return fmt.Errorf("broker: write packet: %w", err)
	}
	return nil
}

// deliver queues one inbound frame, dropping it if the session reader has
// stalled or the connection is shutting down.
func (c *Conn) deliver(f transport.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.inbound <- f:
	default:
	}
}

// deliverDatagram decrypts one inbound audio packet addressed to this
// connection and queues it as a binary frame.
func (c *Conn) deliverDatagram(packet []byte, remote *net.UDPAddr) {
	c.udpMu.Lock()
	key := c.udpKey
	c.udpRemote = remote
	c.udpMu.Unlock()
	if key == nil {
		return
	}

	payload := packet[transport.AudioHeaderSize:]
	if err := cryptCTR(key, packet[:transport.AudioHeaderSize], payload); err != nil {
		return
	}
	c.deliver(transport.Frame{Kind: transport.FrameBinary, Data: payload})
}

// cryptCTR applies AES-128-CTR in place. CTR is symmetric, so the same call
// encrypts and decrypts.
func cryptCTR(key, iv, payload []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("broker: init cipher: %w", err)
	}
	cipher.NewCTR(block, iv).XORKeyStream(payload, payload)
	return nil
}
