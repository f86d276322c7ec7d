package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// MaxFrameSize bounds a single frame on a peer link.
const MaxFrameSize = 1 << 20

type Client struct {
	timeout time.Duration
	dialer  net.Dialer
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Send dials address and writes data as one length-prefixed frame.
func (c *Client) Send(ctx context.Context, address string, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), MaxFrameSize)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	return WriteFrame(conn, data)
}

// WriteFrame writes a 4-byte big-endian length followed by data.
func WriteFrame(conn net.Conn, data []byte) error {
	lengthBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBytes, uint32(len(data)))

	if _, err := conn.Write(lengthBytes); err != nil {
		return fmt.Errorf("failed to write data length: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}
