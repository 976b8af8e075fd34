// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DialTimeout bounds establishing the TCP connection to a job server.
const DialTimeout = 10 * time.Second

// keepAlive is the TCP keep-alive period for broker connections.
// Brokers hold idle workers for hours between jobs; keep-alive is what
// surfaces a dead peer on an otherwise silent socket.
const keepAlive = 30 * time.Second

// Conn is a packet-oriented connection to a job server (or, inside a
// test server, to a worker or client). Writes are serialized and
// flushed immediately; reads must come from a single goroutine.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer
}

// NewConn wraps an established network connection.
func NewConn(netConn net.Conn) *Conn {
	return &Conn{
		netConn: netConn,
		reader:  bufio.NewReader(netConn),
		writer:  bufio.NewWriter(netConn),
	}
}

// Address joins host and port into a dialable address.
func Address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial connects to the job server at address with TCP keep-alive
// enabled.
func Dial(ctx context.Context, address string) (*Conn, error) {
	dialer := net.Dialer{Timeout: DialTimeout, KeepAlive: keepAlive}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to job server %s: %w", address, err)
	}
	return NewConn(netConn), nil
}

// WritePacket encodes and sends packet, flushing before it returns.
func (c *Conn) WritePacket(packet Packet) error {
	encoded, err := packet.MarshalBinary()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(encoded); err != nil {
		return fmt.Errorf("writing %s: %w", packet.Type, err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flushing %s: %w", packet.Type, err)
	}
	return nil
}

// ReadPacket blocks until the next packet arrives.
func (c *Conn) ReadPacket() (Packet, error) {
	return ReadPacket(c.reader)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Close closes the underlying connection, unblocking any pending read.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// ProbeTimeout bounds how long Probe waits for the TCP handshake.
const ProbeTimeout = 5 * time.Second

// Probe reports whether a TCP connection to address can be opened. The
// connection is closed immediately; no protocol exchange happens.
func Probe(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("job server %s unreachable: %w", address, err)
	}
	return netConn.Close()
}
