package handshake

import (
	"net/netip"
	"testing"
	"time"

	"github.com/go-i2p/go-shield/lib/crypto/hasher"
	"github.com/go-i2p/go-shield/lib/crypto/kem"
	"github.com/go-i2p/go-shield/lib/crypto/types"
	"github.com/go-i2p/go-shield/lib/packet"
	"github.com/go-i2p/go-shield/lib/pow"
	"github.com/go-i2p/go-shield/lib/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerX = netip.MustParseAddrPort("192.0.2.1:7000")
	peerY = netip.MustParseAddrPort("192.0.2.2:7000")
)

// roundTrip pushes a message through the body codec like the wire would.
func roundTrip(t *testing.T, m *syntax.Msg) *syntax.Msg {
	t.Helper()
	syn := NewSyntax()
	data, err := syn.Encode(m)
	require.NoError(t, err)
	out, err := syn.Parse(data)
	require.NoError(t, err)
	return out
}

func runExchange(t *testing.T, kemName string) (*Session, *Session) {
	t.Helper()
	h := hasher.SHA3{}
	now := time.Unix(1_700_000_000, 0)
	k, err := kem.ByName(kemName)
	require.NoError(t, err)

	x := NewInitiator(peerY, now)
	y := NewResponder(peerX, now)

	codeForX, err := NewCode()
	require.NoError(t, err)
	resp1, err := ParseHResp1(roundTrip(t, HResp1{ZBits: 3, Code: codeForX}.Msg()))
	require.NoError(t, err)
	kpk, err := x.AcceptHResp1(resp1, k, now)
	require.NoError(t, err)
	assert.Equal(t, codeForX, x.YourCode)

	codeForY, err := NewCode()
	require.NoError(t, err)
	req2, err := ParseHReq2(roundTrip(t, HReq2{ZBits: 4, Code: codeForY, KEM: k.Name(), KEMPub: kpk}.Msg()))
	require.NoError(t, err)
	resp2Body, err := y.AcceptHReq2(req2, now)
	require.NoError(t, err)
	assert.Equal(t, codeForY, y.YourCode)

	resp2, err := ParseHResp2(roundTrip(t, resp2Body.Msg()))
	require.NoError(t, err)
	proof3, err := x.AcceptHResp2(resp2, h, now)
	require.NoError(t, err)

	req3, err := ParseProof(roundTrip(t, Proof{Proof: proof3}.Msg(packet.TypeHReq3)), packet.TypeHReq3)
	require.NoError(t, err)
	reply3, err := y.AcceptHReq3(req3, h, now)
	require.NoError(t, err)

	resp3, err := ParseProof(roundTrip(t, Proof{Proof: reply3}.Msg(packet.TypeHResp3)), packet.TypeHResp3)
	require.NoError(t, err)
	require.NoError(t, x.AcceptHResp3(resp3, h, now))
	return x, y
}

func TestExchange_EstablishesSharedSession(t *testing.T) {
	for _, name := range []string{kem.NameX25519, kem.NameMLKEM768} {
		t.Run(name, func(t *testing.T) {
			x, y := runExchange(t, name)
			assert.True(t, x.Established())
			assert.True(t, y.Established())
			assert.Equal(t, x.ID(), y.ID())
			assert.NotEqual(t, [SessionIDLen]byte{}, x.ID())

			sealed, err := x.Seal([]byte("ping"))
			require.NoError(t, err)
			pt, err := y.Open(sealed)
			require.NoError(t, err)
			assert.Equal(t, []byte("ping"), pt)

			_, err = x.Open(sealed)
			assert.Error(t, err, "a sealed message must not reflect back to its sender")
		})
	}
}

func TestExchange_WrongProofRejected(t *testing.T) {
	h := hasher.SHA3{}
	now := time.Unix(1_700_000_000, 0)
	k, err := kem.ByName(kem.NameX25519)
	require.NoError(t, err)

	x := NewInitiator(peerY, now)
	y := NewResponder(peerX, now)
	kpk, err := x.AcceptHResp1(HResp1{}, k, now)
	require.NoError(t, err)
	resp2, err := y.AcceptHReq2(HReq2{KEM: k.Name(), KEMPub: kpk}, now)
	require.NoError(t, err)
	proof, err := x.AcceptHResp2(resp2, h, now)
	require.NoError(t, err)

	proof[len(proof)-1] ^= 1
	_, err = y.AcceptHReq3(Proof{Proof: proof}, h, now)
	assert.ErrorIs(t, err, ErrBadProof)
	assert.False(t, y.Established())

	// the right ciphertext over the wrong hash chain
	forged, err := y.key.Seal(y.sid[:], adReq3)
	require.NoError(t, err)
	_, err = y.AcceptHReq3(Proof{Proof: forged}, h, now)
	assert.ErrorIs(t, err, ErrBadProof)
}

func TestExchange_TamperedKeyWrap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	k, err := kem.ByName(kem.NameX25519)
	require.NoError(t, err)
	x := NewInitiator(peerY, now)
	y := NewResponder(peerX, now)
	kpk, err := x.AcceptHResp1(HResp1{}, k, now)
	require.NoError(t, err)
	resp2, err := y.AcceptHReq2(HReq2{KEM: k.Name(), KEMPub: kpk}, now)
	require.NoError(t, err)

	resp2.EncKey[len(resp2.EncKey)-1] ^= 1
	_, err = x.AcceptHResp2(resp2, hasher.SHA3{}, now)
	assert.ErrorIs(t, err, ErrKeyUnwrap)
}

func TestSession_StateGuards(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	x := NewInitiator(peerY, now)
	assert.True(t, x.Expects(packet.TypeHResp1))
	assert.False(t, x.Expects(packet.TypeHResp2))
	assert.False(t, x.Expects(packet.TypeSession))

	_, err := x.AcceptHResp2(HResp2{}, hasher.SHA3{}, now)
	assert.ErrorIs(t, err, ErrUnexpectedState)
	_, err = x.Seal([]byte("early"))
	assert.ErrorIs(t, err, ErrUnexpectedState)

	y := NewResponder(peerX, now)
	_, err = y.AcceptHReq3(Proof{}, hasher.SHA3{}, now)
	assert.ErrorIs(t, err, ErrUnexpectedState)
	_, err = y.AcceptHReq2(HReq2{KEM: "rot13"}, now)
	assert.ErrorIs(t, err, kem.ErrUnknownKEM)
}

func TestMessages_RoundTrip(t *testing.T) {
	key := types.PublicKey{Scheme: 1, Key: []byte{1, 2, 3, 4}}
	req1, err := ParseHReq1(roundTrip(t, HReq1{ZBits: 9, YourKey: &key}.Msg()))
	require.NoError(t, err)
	assert.Equal(t, pow.ZeroBits(9), req1.ZBits)
	require.NotNil(t, req1.YourKey)
	assert.True(t, req1.YourKey.Equal(key))

	bare, err := ParseHReq1(roundTrip(t, HReq1{}.Msg()))
	require.NoError(t, err)
	assert.Nil(t, bare.YourKey)

	resp1, err := ParseHResp1(roundTrip(t, HResp1{Code: pow.Code{9}, MyKey: &key, YourOldKey: &key}.Msg()))
	require.NoError(t, err)
	assert.Equal(t, pow.Code{9}, resp1.Code)
	assert.NotNil(t, resp1.MyKey)
	assert.NotNil(t, resp1.YourOldKey)

	zb := pow.ZeroBits(2)
	sess, err := ParseSession(roundTrip(t, SessionMsg{ZBits: 5, Code: &pow.Code{1}, NewZBits: &zb, Data: []byte("x")}.Msg()))
	require.NoError(t, err)
	require.NotNil(t, sess.Code)
	require.NotNil(t, sess.NewZBits)
	assert.Equal(t, zb, *sess.NewZBits)
	assert.Equal(t, []byte("x"), sess.Data)
}

func TestMessages_WrongCommand(t *testing.T) {
	_, err := ParseHResp1(roundTrip(t, HReq1{}.Msg()))
	assert.ErrorIs(t, err, ErrMissingArg)
}

func TestMessages_BadCodeLength(t *testing.T) {
	m := syntax.NewMsg()
	m.Add("hresp1").SetBytes(ArgCode, []byte{1, 2})
	_, err := ParseHResp1(roundTrip(t, m))
	assert.ErrorIs(t, err, syntax.ErrBadArgument)
}

func TestZBits_OutOfRangeFallsBack(t *testing.T) {
	m := syntax.NewMsg()
	m.Args.SetUint(ArgZBits, 200)
	assert.Equal(t, pow.ZeroBits(7), ZBits(m, 7))
}
