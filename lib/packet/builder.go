package packet

import (
	"context"
	"encoding/binary"
	"math"
	"net/netip"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Outbound describes one message to send.
type Outbound struct {
	Type   MsgType
	UserID UserID
	Body   []byte
	// From is the sender address the receiver will see, used in the pristine.
	From  netip.Addr
	Code  pow.Code
	ZBits pow.ZeroBits
	// Key signs every chunk. Nil sends unsigned packets.
	Key types.SigningPrivateKey
	// EmbedKey includes the public half of Key in each packet.
	EmbedKey bool
}

// Builder splits messages into signed, proof-of-work carrying packets.
type Builder struct {
	Solver     pow.Solver
	ChunkBytes int
	// PadLast pads the final chunk of multi-chunk messages to ChunkBytes.
	PadLast bool
	Now     func() time.Time
}

// Build returns the datagrams for out. The nonce is solved once per message,
// since the pristine does not depend on chunk content.
func (b *Builder) Build(ctx context.Context, out Outbound) ([][]byte, error) {
	chunkBytes := b.ChunkBytes
	if chunkBytes <= 0 || chunkBytes > math.MaxUint16 {
		return nil, oops.Errorf("invalid chunk size %d", chunkBytes)
	}
	total := (len(out.Body) + chunkBytes - 1) / chunkBytes
	if total == 0 {
		total = 1
	}
	if uint64(total) > math.MaxUint32 {
		return nil, oops.Wrapf(ErrBodyTooLarge, "%d bytes", len(out.Body))
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ts := uint64(now().Unix())
	nonce, err := b.Solver.Solve(ctx, pow.NewPristine(out.From, out.Code, ts), out.ZBits)
	if err != nil {
		return nil, err
	}

	var midBytes [8]byte
	if _, err := rand.Read(midBytes[:]); err != nil {
		return nil, oops.Errorf("failed to generate message id: %w", err)
	}

	var embedded []byte
	if out.EmbedKey && out.Key != nil {
		embedded = out.Key.Public().Marshal()
	}

	meta := Meta{
		Type:      out.Type,
		Version:   CurrentVersion,
		MsgID:     MsgID(binary.BigEndian.Uint64(midBytes[:])),
		UserID:    out.UserID,
		Timestamp: ts,
	}
	meta.Chunk.Total = uint32(total)

	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkBytes
		end := min(start+chunkBytes, len(out.Body))
		chunk := out.Body[start:end]

		meta.Chunk.Index = uint32(i)
		meta.Chunk.Pad = 0
		if b.PadLast && total > 1 && i == total-1 {
			meta.Chunk.Pad = uint16(chunkBytes - len(chunk))
		}
		meta.Chunk.Size = uint16(len(chunk)) + meta.Chunk.Pad

		pkt, err := assemblePacket(meta, chunk, nonce, embedded, out.Key)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}

	log.WithFields(logger.Fields{
		"at":     "(Builder) Build",
		"type":   out.Type.String(),
		"mid":    meta.MsgID,
		"chunks": total,
		"zbits":  out.ZBits,
		"signed": out.Key != nil,
		"embeds": len(embedded) > 0,
	}).Debug("built_message")
	return packets, nil
}

func assemblePacket(meta Meta, chunk []byte, nonce pow.Nonce, embedded []byte, key types.SigningPrivateKey) ([]byte, error) {
	var idx Indices
	buf := meta.AppendTo(make([]byte, 0, HeaderLen+int(meta.Chunk.Size)+256))
	buf = append(buf, chunk...)
	buf = append(buf, make([]byte, meta.Chunk.Pad)...)
	payloadEnd := len(buf)

	rel := func() uint16 { return uint16(len(buf) - payloadEnd) }

	s := rel()
	buf = append(buf, nonce[:]...)
	idx.Set(KindPoW, Range{Start: s, End: rel()})

	if len(embedded) > 0 {
		s = rel()
		buf = append(buf, embedded...)
		idx.Set(KindPublicKey, Range{Start: s, End: rel()})
	}

	if key != nil {
		s = rel()
		signature, err := key.Sign(buf)
		if err != nil {
			return nil, oops.Errorf("failed to sign packet: %w", err)
		}
		buf = append(buf, signature...)
		idx.Set(KindSignature, Range{Start: s, End: rel()})
	}

	return idx.AppendTo(buf), nil
}
