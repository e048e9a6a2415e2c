// Package gatewaytest provides an operator-side UDP client for exercising
// a running gateway in tests. It signs requests, fragments them the way
// the gateway does, and reassembles and verifies replies.
package gatewaytest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/protocol"
	"robot-gateway-go/internal/reassembly"
	"robot-gateway-go/internal/security"
)

const maxDatagramSize = 65535

// Message is one complete message received by a Client: either a signed
// envelope or a binary camera frame.
type Message struct {
	Envelope *protocol.Envelope
	Frame    *protocol.BinaryFrame
}

// Kind returns data.message of an envelope, or "binary_frame".
func (m Message) Kind() string {
	if m.Frame != nil {
		return "binary_frame"
	}
	var head struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(m.Envelope.Data, &head)
	return head.Message
}

// Decode unmarshals the envelope data into v.
func (m Message) Decode(v any) error {
	if m.Envelope == nil {
		return fmt.Errorf("%w: not an envelope", protocol.ErrMalformed)
	}
	return json.Unmarshal(m.Envelope.Data, v)
}

// Client is an operator-side endpoint for a gateway. It is not safe for
// concurrent use.
type Client struct {
	conn   *net.UDPConn
	secret []byte
	codec  *protocol.Codec
	now    func() time.Time
}

// Dial connects a client to the gateway at addr.
func Dial(addr string, secret []byte, mtuBudget int) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	store := reassembly.NewStore(reassembly.Options{
		MaxMessageBytes: 8 << 20,
		MaxFragments:    protocol.MaxFragments,
		Logger:          zerolog.Nop(),
	})
	return &Client{
		conn:   conn,
		secret: secret,
		codec:  protocol.NewCodec(mtuBudget, store),
		now:    time.Now,
	}, nil
}

func (c *Client) Sign(timestamp float64, data []byte) string {
	return security.Sign(c.secret, timestamp, data)
}

// Send signs data with the current time and writes it.
func (c *Client) Send(data any) error {
	return c.SendAt(c.now(), data)
}

// SendAt signs data with timestamp t and writes it.
func (c *Client) SendAt(t time.Time, data any) error {
	packet, err := protocol.EncodeEnvelope(c, t, data)
	if err != nil {
		return err
	}
	dgrams, err := c.codec.Encode(packet)
	if err != nil {
		return err
	}
	for _, d := range dgrams {
		if err := c.WriteRaw(d); err != nil {
			return err
		}
	}
	return nil
}

// WriteRaw writes one datagram as is.
func (c *Client) WriteRaw(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

// Receive waits up to timeout for the next complete message. Envelopes
// with a bad signature are skipped.
func (c *Client) Receive(timeout time.Duration) (Message, error) {
	deadline := c.now().Add(timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return Message{}, err
	}
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return Message{}, fmt.Errorf("no message within %s: %w", timeout, err)
			}
			return Message{}, err
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		msg, complete, err := c.codec.Decode(data)
		if err != nil || !complete {
			continue
		}
		if protocol.IsBinaryFrame(msg) {
			f, err := protocol.DecodeBinaryFrame(msg)
			if err != nil {
				continue
			}
			return Message{Frame: &f}, nil
		}
		env, err := protocol.ParseEnvelope(msg)
		if err != nil {
			continue
		}
		if len(c.secret) > 0 {
			err := security.Verify(c.secret, security.DefaultReplayTolerance, c.now(), env.Data, env.Timestamp, env.Header.Signature)
			if err != nil {
				continue
			}
		}
		return Message{Envelope: env}, nil
	}
}

// ReceiveKind waits for the next message of the given kind, discarding
// others.
func (c *Client) ReceiveKind(kind string, timeout time.Duration) (Message, error) {
	deadline := c.now().Add(timeout)
	for {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return Message{}, fmt.Errorf("no %s message within %s", kind, timeout)
		}
		m, err := c.Receive(remaining)
		if err != nil {
			return Message{}, err
		}
		if m.Kind() == kind {
			return m, nil
		}
	}
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
