package autofs

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func writeV5Packet(t *testing.T, ptype int, token uint32, name string) []byte {
	t.Helper()
	var pkt v5Packet
	pkt.Hdr.ProtoVersion = 5
	pkt.Hdr.Type = int32(ptype)
	pkt.WaitQueueToken = token
	pkt.Len = uint32(len(name))
	copy(pkt.Name[:], name)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &pkt); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestReadPacketDecodesMissing(t *testing.T) {
	raw := writeV5Packet(t, ptypeMissingIndirect, 42, "sda1")
	req, err := readPacket(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != ptypeMissingIndirect || req.Token != 42 || req.Name != "sda1" {
		t.Fatalf("req = %+v, want {Type:%d Token:42 Name:sda1}", req, ptypeMissingIndirect)
	}
}

func TestReadPacketEmptyNameProducesEmptyLeaf(t *testing.T) {
	raw := writeV5Packet(t, ptypeExpireMulti, 7, "")
	req, err := readPacket(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.Name != "" {
		t.Fatalf("req.Name = %q, want empty for a len==0 packet", req.Name)
	}
}

func TestReadPacketShortReadIsEOF(t *testing.T) {
	_, err := readPacket(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF on an empty stream", err)
	}
}

func TestNameStringClampsLength(t *testing.T) {
	buf := make([]byte, 8)
	copy(buf, "hi")
	if got := nameString(buf, 100); got != string(buf) {
		t.Fatalf("nameString with oversized n = %q, want the whole buffer", got)
	}
	if got := nameString(buf, -1); got != "" {
		t.Fatalf("nameString with negative n = %q, want empty", got)
	}
}

func writeLegacyMissing(t *testing.T, token uint32, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := header{ProtoVersion: 4, Type: ptypeMissing}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	var rest struct {
		WaitQueueToken uint32
		Len            int32
		Name           [nameMax]byte
	}
	rest.WaitQueueToken = token
	rest.Len = int32(len(name))
	copy(rest.Name[:], name)
	if err := binary.Write(&buf, binary.LittleEndian, &rest); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestReadPacketLegacyMissing(t *testing.T) {
	raw := writeLegacyMissing(t, 9, "sr0")
	req, err := readPacketLegacy(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != ptypeMissing || req.Token != 9 || req.Name != "sr0" {
		t.Fatalf("req = %+v, want {Type:%d Token:9 Name:sr0}", req, ptypeMissing)
	}
}

func TestReadPacketLegacyUnknownTypeErrors(t *testing.T) {
	var buf bytes.Buffer
	hdr := header{ProtoVersion: 4, Type: 99}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := readPacketLegacy(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected an error for an unrecognised legacy packet type")
	}
}
