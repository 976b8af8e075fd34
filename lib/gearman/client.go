// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman

import (
	"context"
	"fmt"
	"strconv"
)

// Update is one progress packet received for a submitted job.
type Update struct {
	Type PacketType
	Data []byte

	// Numerator and Denominator are set for WORK_STATUS.
	Numerator   int64
	Denominator int64
}

// Client submits jobs to a job server over one connection. A Client
// runs one job at a time.
type Client struct {
	conn *Conn
}

// NewClient wraps an established connection.
func NewClient(conn *Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Submit submits a foreground job and blocks until it completes,
// fails, or ctx is cancelled. onUpdate, when non-nil, is called for
// every WORK_DATA, WORK_WARNING, and WORK_STATUS packet in arrival
// order.
func (c *Client) Submit(ctx context.Context, function, uniqueID string, data []byte, onUpdate func(Update)) (Result, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	submit := NewRequest(SubmitJob, []byte(function), []byte(uniqueID), data)
	if err := c.conn.WritePacket(submit); err != nil {
		return Result{}, c.failure(ctx, err)
	}

	var handle string
	for {
		packet, err := c.conn.ReadPacket()
		if err != nil {
			return Result{}, c.failure(ctx, fmt.Errorf("waiting for %s: %w", function, err))
		}
		switch packet.Type {
		case JobCreated:
			handle = string(packet.Arg(0))
		case WorkData, WorkWarning:
			if onUpdate != nil {
				onUpdate(Update{Type: packet.Type, Data: packet.Arg(1)})
			}
		case WorkStatus:
			if onUpdate != nil {
				numerator, _ := strconv.ParseInt(string(packet.Arg(1)), 10, 64)
				denominator, _ := strconv.ParseInt(string(packet.Arg(2)), 10, 64)
				onUpdate(Update{Type: WorkStatus, Numerator: numerator, Denominator: denominator})
			}
		case WorkComplete:
			return Result{Handle: handle, Success: true, Data: packet.Arg(1)}, nil
		case WorkFail:
			return Result{Handle: handle}, nil
		case WorkException:
			return Result{Handle: handle, Data: packet.Arg(1)}, nil
		case Error:
			return Result{}, fmt.Errorf("job server error %s: %s", packet.Arg(0), packet.Arg(1))
		}
	}
}

func (c *Client) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
