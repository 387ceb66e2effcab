package packet

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/samber/oops"
)

// MsgType tags the message carried by a packet.
type MsgType uint16

const (
	TypeUnknown MsgType = 0
	TypeHReq1   MsgType = 1
	TypeHResp1  MsgType = 2
	TypeHReq2   MsgType = 3
	TypeHResp2  MsgType = 4
	TypeHReq3   MsgType = 5
	TypeHResp3  MsgType = 6
	// TypeSession is the first type carried by an established session.
	TypeSession MsgType = 16
)

var typeNames = map[MsgType]string{
	TypeUnknown: "unknown",
	TypeHReq1:   "hreq1",
	TypeHResp1:  "hresp1",
	TypeHReq2:   "hreq2",
	TypeHResp2:  "hresp2",
	TypeHReq3:   "hreq3",
	TypeHResp3:  "hresp3",
	TypeSession: "sess",
}

func (t MsgType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// IsHandshake reports whether t is one of the six handshake messages.
func (t MsgType) IsHandshake() bool {
	return t >= TypeHReq1 && t <= TypeHResp3
}

// IsRequest reports whether t is a handshake request.
func (t MsgType) IsRequest() bool {
	return t.IsHandshake() && t%2 == 1
}

// Version is major.minor.patch.
type Version [3]byte

// CurrentVersion is written into every packet. Packets with another major are rejected.
var CurrentVersion = Version{0, 1, 0}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// UserIDLen is the width of a user identifier.
const UserIDLen = 16

// UserID is claimed by the sender and authenticated only by the packet signature.
type UserID [UserIDLen]byte

func (u UserID) String() string {
	return hex.EncodeToString(u[:])
}

// ParseUserID decodes the hex form produced by String.
func ParseUserID(s string) (UserID, error) {
	var u UserID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != UserIDLen {
		return u, oops.Errorf("user id must be %d hex-encoded bytes", UserIDLen)
	}
	copy(u[:], b)
	return u, nil
}

// MsgID identifies one message across its chunks.
type MsgID uint64

// ChunkState locates a chunk inside its message.
type ChunkState struct {
	Index uint32
	Total uint32
	// Size is the number of chunk bytes following the header, padding included.
	Size uint16
	// Pad is the number of trailing padding bytes to strip.
	Pad uint16
}

// Final reports whether this is the last chunk of the message.
func (c ChunkState) Final() bool {
	return c.Index+1 == c.Total
}

// HeaderLen is the fixed header size:
// type(2) version(3) mid(8) uid(16) index(4) total(4) size(2) pad(2) timestamp(8)
const HeaderLen = 49

// Meta is the decoded packet header.
type Meta struct {
	Type      MsgType
	Version   Version
	MsgID     MsgID
	UserID    UserID
	Chunk     ChunkState
	Timestamp uint64
}

// PayloadEnd is the offset of the first artefact byte.
func (m Meta) PayloadEnd() int {
	return HeaderLen + int(m.Chunk.Size)
}

// AppendTo writes the header to buf.
func (m Meta) AppendTo(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Type))
	buf = append(buf, m.Version[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(m.MsgID))
	buf = append(buf, m.UserID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, m.Chunk.Index)
	buf = binary.BigEndian.AppendUint32(buf, m.Chunk.Total)
	buf = binary.BigEndian.AppendUint16(buf, m.Chunk.Size)
	buf = binary.BigEndian.AppendUint16(buf, m.Chunk.Pad)
	return binary.BigEndian.AppendUint64(buf, m.Timestamp)
}

// Encode returns the header bytes.
func (m Meta) Encode() []byte {
	return m.AppendTo(make([]byte, 0, HeaderLen))
}

// DecodeMeta reads the header from the front of buf and checks that the chunk
// it describes fits inside the datagram.
func DecodeMeta(buf []byte) (Meta, error) {
	var m Meta
	if len(buf) < HeaderLen {
		return m, oops.Wrapf(ErrMalformedHeader, "datagram of %d bytes shorter than header", len(buf))
	}
	m.Type = MsgType(binary.BigEndian.Uint16(buf[0:2]))
	copy(m.Version[:], buf[2:5])
	m.MsgID = MsgID(binary.BigEndian.Uint64(buf[5:13]))
	copy(m.UserID[:], buf[13:29])
	m.Chunk.Index = binary.BigEndian.Uint32(buf[29:33])
	m.Chunk.Total = binary.BigEndian.Uint32(buf[33:37])
	m.Chunk.Size = binary.BigEndian.Uint16(buf[37:39])
	m.Chunk.Pad = binary.BigEndian.Uint16(buf[39:41])
	m.Timestamp = binary.BigEndian.Uint64(buf[41:49])

	if m.Version[0] != CurrentVersion[0] {
		return m, oops.Wrapf(ErrUnsupportedVer, "version %s", m.Version)
	}
	if m.Chunk.Total == 0 || m.Chunk.Index >= m.Chunk.Total {
		return m, oops.Wrapf(ErrMalformedHeader, "chunk %d of %d", m.Chunk.Index, m.Chunk.Total)
	}
	if m.Chunk.Pad > m.Chunk.Size {
		return m, oops.Wrapf(ErrMalformedHeader, "padding %d exceeds chunk size %d", m.Chunk.Pad, m.Chunk.Size)
	}
	if m.PayloadEnd() > len(buf) {
		return m, oops.Wrapf(ErrMalformedHeader, "chunk size %d overruns datagram of %d bytes", m.Chunk.Size, len(buf))
	}
	return m, nil
}
