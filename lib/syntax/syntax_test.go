package syntax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSyntax() *Syntax {
	return New(ArgSpec{Name: "zb", Kind: KindUint}).
		Register(CommandSpec{Name: "ping", Args: []ArgSpec{
			{Name: "c", Kind: KindBytes, Required: true},
			{Name: "note", Kind: KindString},
		}}).
		Register(CommandSpec{Name: "bye"})
}

func TestSyntax_EncodeParse(t *testing.T) {
	s := testSyntax()
	m := NewMsg()
	m.Args.SetUint("zb", 12)
	m.Add("ping").SetBytes("c", []byte{1, 2, 3}).SetString("note", "hi there")
	m.Add("bye")

	data, err := s.Encode(m)
	require.NoError(t, err)

	got, err := s.Parse(data)
	require.NoError(t, err)

	zb, err := got.Args.Uint("zb")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), zb)

	ping, ok := got.Find("ping")
	require.True(t, ok)
	c, err := ping.Args.Bytes("c")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, c)
	assert.Equal(t, "hi there", ping.Args.String("note"))

	_, ok = got.Find("bye")
	assert.True(t, ok)
	_, ok = got.Find("missing")
	assert.False(t, ok)
}

func TestSyntax_ParseErrors(t *testing.T) {
	s := testSyntax()
	cases := []struct {
		name string
		body string
		err  error
	}{
		{"not yaml", "{{{", ErrMalformedBody},
		{"wrong version", "ver: \"9\"\ncmds:\n  - name: bye\n", ErrMalformedBody},
		{"no commands", "ver: \"1\"\n", ErrMalformedBody},
		{"unknown command", "ver: \"1\"\ncmds:\n  - name: dance\n", ErrUnknownCommand},
		{"missing required", "ver: \"1\"\ncmds:\n  - name: ping\n", ErrMissingArgument},
		{"bad base64", "ver: \"1\"\ncmds:\n  - name: ping\n    args:\n      c: \"!!\"\n", ErrBadArgument},
		{"bad uint", "ver: \"1\"\nargs:\n  zb: ten\ncmds:\n  - name: bye\n", ErrBadArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Parse([]byte(tc.body))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSyntax_EncodeChecksRequired(t *testing.T) {
	s := testSyntax()
	m := NewMsg()
	m.Add("ping")
	_, err := s.Encode(m)
	assert.ErrorIs(t, err, ErrMissingArgument)
}

func TestArgs_MissingValues(t *testing.T) {
	a := Args{}
	b, err := a.Bytes("x")
	assert.NoError(t, err)
	assert.Nil(t, b)
	n, err := a.Uint("x")
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyntax_Commands(t *testing.T) {
	assert.Equal(t, []string{"bye", "ping"}, testSyntax().Commands())
}
