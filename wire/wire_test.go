package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type inner struct {
	Count uint32 `wire:"c"`
	Label string `wire:"l"`
}

type outer struct {
	ID      [16]byte `wire:"i"`
	Body    []byte   `wire:"b"`
	Seq     uint64   `wire:"s"`
	Flag    bool     `wire:"f"`
	Parts   []inner  `wire:"p"`
	Comment string   `wire:"m"`
}

func TestRoundtrip(t *testing.T) {
	o := &outer{
		ID:      [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Body:    []byte("hello there"),
		Seq:     91231,
		Flag:    true,
		Parts:   []inner{{1, "one"}, {2, "two"}},
		Comment: "a comment",
	}
	b, err := Serialize(o)
	require.NoError(t, err)
	var o2 outer
	require.NoError(t, Deserialize(b, &o2))
	require.Equal(t, *o, o2)
}

func TestDeterministic(t *testing.T) {
	o := &outer{Body: []byte{0, 1, 2}, Seq: 7, Parts: []inner{{9, "x"}}}
	b1, err := Serialize(o)
	require.NoError(t, err)
	b2, err := Serialize(o)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestTamperedFieldChangesEncoding(t *testing.T) {
	a := &inner{Count: 1, Label: "a"}
	b := &inner{Count: 1, Label: "b"}
	ab, err := Serialize(a)
	require.NoError(t, err)
	bb, err := Serialize(b)
	require.NoError(t, err)
	require.NotEqual(t, ab, bb)
}

func TestTrailingBytesRejected(t *testing.T) {
	b, err := Serialize(&inner{Count: 1, Label: "a"})
	require.NoError(t, err)
	var i inner
	require.Error(t, Deserialize(append(b, 'x'), &i))
}

func TestMalformedLengthRejected(t *testing.T) {
	for _, in := range []string{
		"d-5:e",
		"d9223372036854775807:e",
		"d99:e",
		"d5e",
		"d:e",
	} {
		var i inner
		require.Error(t, Deserialize([]byte(in), &i), "input %q", in)
	}
}

func TestMissingTagRejected(t *testing.T) {
	type untagged struct {
		A int64
	}
	_, err := Serialize(&untagged{1})
	require.Error(t, err)
}
