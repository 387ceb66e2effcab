package packet

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// ArtefactKind names one validation artefact.
type ArtefactKind uint8

const (
	KindPoW       ArtefactKind = 1
	KindSignature ArtefactKind = 2
	KindPublicKey ArtefactKind = 3
	maxKind                    = KindPublicKey
)

func (k ArtefactKind) String() string {
	switch k {
	case KindPoW:
		return "pow"
	case KindSignature:
		return "signature"
	case KindPublicKey:
		return "public_key"
	}
	return "unknown"
}

// Range is a byte range relative to the end of the payload.
type Range struct {
	Start uint16
	End   uint16
}

// Len is End - Start.
func (r Range) Len() int {
	return int(r.End) - int(r.Start)
}

// Slice returns the absolute bytes of r inside buf.
func (r Range) Slice(buf []byte, payloadEnd int) []byte {
	return buf[payloadEnd+int(r.Start) : payloadEnd+int(r.End)]
}

const entryLen = 5

// Indices is the trailing table locating each artefact. It is encoded as
// (kind u8, start u16, end u16) entries followed by an entry count byte,
// so it can be read backwards from the end of the datagram.
type Indices struct {
	ranges  [maxKind + 1]Range
	present [maxKind + 1]bool
}

// Set records the range of kind.
func (ix *Indices) Set(kind ArtefactKind, r Range) {
	ix.ranges[kind] = r
	ix.present[kind] = true
}

// Get returns the range of kind if present.
func (ix Indices) Get(kind ArtefactKind) (Range, bool) {
	if kind == 0 || kind > maxKind {
		return Range{}, false
	}
	return ix.ranges[kind], ix.present[kind]
}

func (ix Indices) count() int {
	n := 0
	for _, p := range ix.present {
		if p {
			n++
		}
	}
	return n
}

// TableLen is the encoded size of the table.
func (ix Indices) TableLen() int {
	return 1 + entryLen*ix.count()
}

// AppendTo writes the table to buf.
func (ix Indices) AppendTo(buf []byte) []byte {
	for k := KindPoW; k <= maxKind; k++ {
		if !ix.present[k] {
			continue
		}
		buf = append(buf, byte(k))
		buf = binary.BigEndian.AppendUint16(buf, ix.ranges[k].Start)
		buf = binary.BigEndian.AppendUint16(buf, ix.ranges[k].End)
	}
	return append(buf, byte(ix.count()))
}

// DecodeIndices reads the table from the end of buf. Every range must lie
// between payloadEnd and the start of the table, and the proof-of-work
// artefact is mandatory.
func DecodeIndices(buf []byte, payloadEnd int) (Indices, error) {
	var ix Indices
	if len(buf) < payloadEnd+1 {
		return ix, oops.Wrapf(ErrMalformedIndices, "no room for artefact table")
	}
	n := int(buf[len(buf)-1])
	tableStart := len(buf) - 1 - entryLen*n
	if n == 0 || tableStart < payloadEnd {
		return ix, oops.Wrapf(ErrMalformedIndices, "table of %d entries does not fit", n)
	}
	limit := tableStart - payloadEnd

	for i := 0; i < n; i++ {
		e := buf[tableStart+i*entryLen:]
		kind := ArtefactKind(e[0])
		r := Range{
			Start: binary.BigEndian.Uint16(e[1:3]),
			End:   binary.BigEndian.Uint16(e[3:5]),
		}
		if kind == 0 || kind > maxKind {
			return ix, oops.Wrapf(ErrMalformedIndices, "unknown artefact kind %d", kind)
		}
		if ix.present[kind] {
			return ix, oops.Wrapf(ErrMalformedIndices, "duplicate %s artefact", kind)
		}
		if r.Start > r.End || int(r.End) > limit {
			return ix, oops.Wrapf(ErrMalformedIndices, "%s range [%d,%d) outside artefact region of %d bytes", kind, r.Start, r.End, limit)
		}
		ix.Set(kind, r)
	}
	if !ix.present[KindPoW] {
		return ix, oops.Wrapf(ErrMalformedIndices, "missing pow artefact")
	}
	return ix, nil
}

// Parse decodes both the header and the artefact table of a datagram.
func Parse(buf []byte) (Meta, Indices, error) {
	meta, err := DecodeMeta(buf)
	if err != nil {
		return meta, Indices{}, err
	}
	ix, err := DecodeIndices(buf, meta.PayloadEnd())
	return meta, ix, err
}
