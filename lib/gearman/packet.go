// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic distinguishes requests from responses in the packet header.
type Magic [4]byte

var (
	MagicRequest  = Magic{0, 'R', 'E', 'Q'}
	MagicResponse = Magic{0, 'R', 'E', 'S'}
)

func (m Magic) String() string {
	switch m {
	case MagicRequest:
		return "REQ"
	case MagicResponse:
		return "RES"
	}
	return fmt.Sprintf("%q", m[:])
}

// PacketType is the numeric command carried in a packet header.
type PacketType uint32

const (
	CanDo          PacketType = 1
	CantDo         PacketType = 2
	ResetAbilities PacketType = 3
	PreSleep       PacketType = 4
	Noop           PacketType = 6
	SubmitJob      PacketType = 7
	JobCreated     PacketType = 8
	GrabJob        PacketType = 9
	NoJob          PacketType = 10
	JobAssign      PacketType = 11
	WorkStatus     PacketType = 12
	WorkComplete   PacketType = 13
	WorkFail       PacketType = 14
	EchoReq        PacketType = 16
	EchoRes        PacketType = 17
	Error          PacketType = 19
	SetClientID    PacketType = 22
	WorkException  PacketType = 25
	WorkData       PacketType = 28
	WorkWarning    PacketType = 29
	GrabJobUniq    PacketType = 30
	JobAssignUniq  PacketType = 31
)

var packetNames = map[PacketType]string{
	CanDo:          "CAN_DO",
	CantDo:         "CANT_DO",
	ResetAbilities: "RESET_ABILITIES",
	PreSleep:       "PRE_SLEEP",
	Noop:           "NOOP",
	SubmitJob:      "SUBMIT_JOB",
	JobCreated:     "JOB_CREATED",
	GrabJob:        "GRAB_JOB",
	NoJob:          "NO_JOB",
	JobAssign:      "JOB_ASSIGN",
	WorkStatus:     "WORK_STATUS",
	WorkComplete:   "WORK_COMPLETE",
	WorkFail:       "WORK_FAIL",
	EchoReq:        "ECHO_REQ",
	EchoRes:        "ECHO_RES",
	Error:          "ERROR",
	SetClientID:    "SET_CLIENT_ID",
	WorkException:  "WORK_EXCEPTION",
	WorkData:       "WORK_DATA",
	WorkWarning:    "WORK_WARNING",
	GrabJobUniq:    "GRAB_JOB_UNIQ",
	JobAssignUniq:  "JOB_ASSIGN_UNIQ",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PACKET_%d", uint32(t))
}

// argCounts is the number of NUL-separated arguments each packet type
// carries. Types absent from the map carry none.
var argCounts = map[PacketType]int{
	CanDo:         1,
	CantDo:        1,
	SubmitJob:     3,
	JobCreated:    1,
	JobAssign:     3,
	WorkStatus:    3,
	WorkComplete:  2,
	WorkFail:      1,
	EchoReq:       1,
	EchoRes:       1,
	Error:         2,
	SetClientID:   1,
	WorkException: 2,
	WorkData:      2,
	WorkWarning:   2,
	JobAssignUniq: 4,
}

const headerSize = 12

// MaxPayloadSize bounds the payload a peer may announce. Anything
// larger is treated as a framing error rather than allocated.
const MaxPayloadSize = 64 << 20

// Packet is one decoded protocol packet.
type Packet struct {
	Magic Magic
	Type  PacketType
	Args  [][]byte
}

// NewRequest builds a request packet.
func NewRequest(packetType PacketType, args ...[]byte) Packet {
	return Packet{Magic: MagicRequest, Type: packetType, Args: args}
}

// NewResponse builds a response packet.
func NewResponse(packetType PacketType, args ...[]byte) Packet {
	return Packet{Magic: MagicResponse, Type: packetType, Args: args}
}

// Arg returns argument i, or nil when the packet carries fewer.
func (p Packet) Arg(i int) []byte {
	if i < 0 || i >= len(p.Args) {
		return nil
	}
	return p.Args[i]
}

func (p Packet) String() string {
	return fmt.Sprintf("%s %s (%d args)", p.Magic, p.Type, len(p.Args))
}

// MarshalBinary encodes the packet into its wire form.
func (p Packet) MarshalBinary() ([]byte, error) {
	payload := bytes.Join(p.Args, []byte{0})
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("gearman: %s payload of %d bytes exceeds limit", p.Type, len(payload))
	}
	buffer := make([]byte, headerSize+len(payload))
	copy(buffer[0:4], p.Magic[:])
	binary.BigEndian.PutUint32(buffer[4:8], uint32(p.Type))
	binary.BigEndian.PutUint32(buffer[8:12], uint32(len(payload)))
	copy(buffer[headerSize:], payload)
	return buffer, nil
}

// ReadPacket reads and decodes one packet from reader.
func ReadPacket(reader *bufio.Reader) (Packet, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return Packet{}, err
	}

	var packet Packet
	copy(packet.Magic[:], header[0:4])
	if packet.Magic != MagicRequest && packet.Magic != MagicResponse {
		return Packet{}, fmt.Errorf("gearman: bad packet magic %q", header[0:4])
	}
	packet.Type = PacketType(binary.BigEndian.Uint32(header[4:8]))
	size := binary.BigEndian.Uint32(header[8:12])
	if size > MaxPayloadSize {
		return Packet{}, fmt.Errorf("gearman: %s payload of %d bytes exceeds limit", packet.Type, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return Packet{}, fmt.Errorf("gearman: reading %s payload: %w", packet.Type, err)
	}

	count := argCounts[packet.Type]
	switch {
	case count == 0 && size == 0:
	case count == 0:
		packet.Args = [][]byte{payload}
	default:
		packet.Args = bytes.SplitN(payload, []byte{0}, count)
	}
	return packet, nil
}
