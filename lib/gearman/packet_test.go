// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gearman

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	packets := []Packet{
		NewRequest(CanDo, []byte("build:job")),
		NewRequest(ResetAbilities),
		NewRequest(PreSleep),
		NewRequest(GrabJobUniq),
		NewRequest(SetClientID, []byte("host_exec-a")),
		NewRequest(SubmitJob, []byte("build:job"), []byte("uuid-1"), []byte(`{"k":"v"}`)),
		NewRequest(WorkStatus, []byte("H:1"), []byte("10"), []byte("20")),
		NewRequest(WorkData, []byte("H:1"), []byte(`{"name":"job"}`)),
		NewRequest(WorkComplete, []byte("H:1"), []byte("done")),
		NewRequest(WorkFail, []byte("H:1")),
		NewResponse(Noop),
		NewResponse(NoJob),
		NewResponse(JobCreated, []byte("H:1")),
		NewResponse(JobAssignUniq, []byte("H:1"), []byte("build:job"), []byte("uuid-1"), []byte("payload")),
		NewResponse(Error, []byte("code"), []byte("message")),
	}

	var stream bytes.Buffer
	for _, packet := range packets {
		encoded, err := packet.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary(%s): %v", packet, err)
		}
		stream.Write(encoded)
	}

	reader := bufio.NewReader(&stream)
	for _, want := range packets {
		got, err := ReadPacket(reader)
		if err != nil {
			t.Fatalf("ReadPacket (want %s): %v", want, err)
		}
		if got.Magic != want.Magic || got.Type != want.Type {
			t.Fatalf("got %s, want %s", got, want)
		}
		if len(got.Args) != len(want.Args) {
			t.Fatalf("%s: got %d args, want %d", want.Type, len(got.Args), len(want.Args))
		}
		for i := range want.Args {
			if !bytes.Equal(got.Args[i], want.Args[i]) {
				t.Errorf("%s arg %d = %q, want %q", want.Type, i, got.Args[i], want.Args[i])
			}
		}
	}
}

func TestReadPacketLastArgKeepsNULs(t *testing.T) {
	data := []byte("a\x00b\x00c")
	encoded, err := NewResponse(JobAssignUniq, []byte("H:1"), []byte("fn"), []byte("u"), data).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	packet, err := ReadPacket(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(packet.Arg(3), data) {
		t.Errorf("data = %q, want %q", packet.Arg(3), data)
	}
}

func TestHeaderLayout(t *testing.T) {
	encoded, err := NewRequest(CanDo, []byte("fn")).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded[:4], []byte("\x00REQ")) {
		t.Errorf("magic = %q", encoded[:4])
	}
	if packetType := binary.BigEndian.Uint32(encoded[4:8]); packetType != 1 {
		t.Errorf("type = %d, want 1", packetType)
	}
	if size := binary.BigEndian.Uint32(encoded[8:12]); size != 2 {
		t.Errorf("size = %d, want 2", size)
	}
}

func TestReadPacketRejectsBadMagic(t *testing.T) {
	_, err := ReadPacket(bufio.NewReader(strings.NewReader("XREQ\x00\x00\x00\x06\x00\x00\x00\x00")))
	if err == nil || !strings.Contains(err.Error(), "magic") {
		t.Fatalf("err = %v, want bad magic", err)
	}
}

func TestReadPacketRejectsOversizedPayload(t *testing.T) {
	header := make([]byte, 12)
	copy(header, "\x00RES")
	binary.BigEndian.PutUint32(header[4:8], uint32(WorkData))
	binary.BigEndian.PutUint32(header[8:12], MaxPayloadSize+1)
	if _, err := ReadPacket(bufio.NewReader(bytes.NewReader(header))); err == nil {
		t.Fatal("oversized payload accepted")
	}
}

func TestPacketTypeString(t *testing.T) {
	if GrabJobUniq.String() != "GRAB_JOB_UNIQ" {
		t.Errorf("GrabJobUniq = %q", GrabJobUniq.String())
	}
	if PacketType(99).String() != "PACKET_99" {
		t.Errorf("unknown = %q", PacketType(99).String())
	}
}
