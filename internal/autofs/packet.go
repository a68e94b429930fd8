package autofs

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// nameMax mirrors NAME_MAX+1 from linux/limits.h, the fixed name buffer
// size in every autofs kernel packet.
const nameMax = 256

// Packet types, numbered per linux/auto_fs.h + linux/auto_fs4.h (the
// v4 enum followed by the v5 "indirect"/"direct" additions); original
// source only ever switches on missing/expire/expire_multi (autofs.c,
// read_kernel_packet), the rest are logged and dropped.
const (
	ptypeMissing = iota
	ptypeExpire
	ptypeExpireMulti
	ptypeMissingIndirect
	ptypeExpireIndirect
	ptypeMissingDirect
	ptypeExpireDirect
)

type header struct {
	ProtoVersion int32
	Type         int32
}

// v5Packet mirrors struct autofs_v5_packet, the single fixed-size
// packet format used unconditionally from kernel 3.3 onward.
type v5Packet struct {
	Hdr            header
	WaitQueueToken uint32
	Dev            uint32
	Ino            uint64
	UID            uint32
	GID            uint32
	PID            uint32
	TGID           uint32
	Len            uint32
	Name           [nameMax]byte
}

// request is the dispatcher-facing view of a decoded packet,
// independent of which kernel wire format produced it.
type request struct {
	Type  int
	Token uint32
	Name  string
}

func nameString(b []byte, n int) string {
	if n < 0 {
		n = 0
	}
	if n > len(b) {
		n = len(b)
	}
	return string(b[:n])
}

// readPacket reads one packet from r using the v5 fixed-size format
// (spec.md §9 design note: prefer the larger v5 read unconditionally
// once the kernel is known to support it). EOF returns io.EOF
// unchanged; a short read before any bytes arrive is also reported as
// io.EOF, matching the kernel pipe's "daemon gone away" signal.
func readPacket(r io.Reader) (request, error) {
	var pkt v5Packet
	if err := binary.Read(r, binary.LittleEndian, &pkt); err != nil {
		return request{}, err
	}
	return request{
		Type:  int(pkt.Hdr.Type),
		Token: pkt.WaitQueueToken,
		Name:  nameString(pkt.Name[:], int(pkt.Len)),
	}, nil
}

// readPacketLegacy implements the pre-3.3 kernel framing: a common
// header is read first, then the remaining packet-type-specific bytes
// (spec.md §4.6, original_source/autofs.c read_kernel_packet).
func readPacketLegacy(r io.Reader) (request, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return request{}, err
	}

	switch int(hdr.Type) {
	case ptypeMissing:
		var rest struct {
			WaitQueueToken uint32
			Len            int32
			Name           [nameMax]byte
		}
		if err := binary.Read(r, binary.LittleEndian, &rest); err != nil {
			return request{}, err
		}
		return request{Type: ptypeMissing, Token: rest.WaitQueueToken, Name: nameString(rest.Name[:], int(rest.Len))}, nil
	case ptypeExpire:
		var rest struct {
			Len  int32
			Name [nameMax]byte
		}
		if err := binary.Read(r, binary.LittleEndian, &rest); err != nil {
			return request{}, err
		}
		return request{Type: ptypeExpire, Name: nameString(rest.Name[:], int(rest.Len))}, nil
	case ptypeExpireMulti:
		var rest struct {
			WaitQueueToken uint32
			Len            int32
			Name           [nameMax]byte
		}
		if err := binary.Read(r, binary.LittleEndian, &rest); err != nil {
			return request{}, err
		}
		return request{Type: ptypeExpireMulti, Token: rest.WaitQueueToken, Name: nameString(rest.Name[:], int(rest.Len))}, nil
	default:
		return request{}, errors.Errorf("autofs: unknown packet type %d from kernel", hdr.Type)
	}
}
