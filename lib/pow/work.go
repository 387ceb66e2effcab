package pow

import (
	"context"
	"encoding/binary"
	"math/bits"
	"runtime"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Nonce is the searched part of the pre-image, carried in the packet.
type Nonce [NonceLen]byte

// LeadingZeroBits counts zero bits from the most significant bit of digest[0].
func LeadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

func preimage(pris Pristine, nonce []byte) []byte {
	buf := make([]byte, 0, PristineLen+len(nonce))
	buf = append(buf, pris[:]...)
	return append(buf, nonce...)
}

// ValidateWork checks that H(pristine || nonce) has at least zbits leading zero bits.
// Verification costs one hash.
func ValidateWork(h types.Hasher, pris Pristine, nonce []byte, zbits ZeroBits) bool {
	if len(nonce) != NonceLen {
		return false
	}
	return LeadingZeroBits(h.Digest(preimage(pris, nonce))) >= int(zbits)
}

// Solver searches for a nonce meeting a difficulty.
type Solver struct {
	Hasher types.Hasher
	// Workers defaults to GOMAXPROCS.
	Workers int
	// TimeLimit bounds the search; zero means only ctx bounds it.
	TimeLimit time.Duration
}

// Solve runs the search on several goroutines, each starting from a random nonce.
func (s Solver) Solve(ctx context.Context, pris Pristine, zbits ZeroBits) (Nonce, error) {
	workers := s.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if s.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.TimeLimit)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan Nonce, 1)
	var wg sync.WaitGroup
	started := time.Now()

	for w := 0; w < workers; w++ {
		var seed [8]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return Nonce{}, oops.Errorf("failed to seed nonce search: %w", err)
		}
		wg.Add(1)
		go func(start uint64) {
			defer wg.Done()
			var n Nonce
			buf := preimage(pris, n[:])
			for i := start; ; i++ {
				if i&0x3ff == 0 && ctx.Err() != nil {
					return
				}
				binary.BigEndian.PutUint64(buf[PristineLen:], i)
				if LeadingZeroBits(s.Hasher.Digest(buf)) >= int(zbits) {
					copy(n[:], buf[PristineLen:])
					select {
					case found <- n:
						cancel()
					default:
					}
					return
				}
			}
		}(binary.BigEndian.Uint64(seed[:]))
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	n, ok := <-found
	if !ok {
		log.WithFields(logger.Fields{
			"at":      "(Solver) Solve",
			"zbits":   zbits,
			"elapsed": time.Since(started),
			"reason":  ctx.Err(),
		}).Debug("proof_of_work_search_abandoned")
		return Nonce{}, oops.Wrapf(ErrSolveTimeout, "zbits %d", zbits)
	}
	return n, nil
}
