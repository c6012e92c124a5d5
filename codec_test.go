package clapsql

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObfuscation(t *testing.T) {
	raw := obfuscate(nil, "ab\xff\n")
	require.Equal(t, []byte{'b', 'c', 0x00, 0x0b}, raw)
	require.Equal(t, "ab\xff\n", unobfuscate(raw))
}

func TestFraming(t *testing.T) {
	payloads := []string{
		`{"id":"1"}`,
		"line one\nline two\r\nline three",
		"tab\tinside",
		"",
		"trailing newline\n",
	}
	var buf []byte
	for _, p := range payloads {
		buf = appendFramedRow(buf, p)
	}

	var got []string
	dropped, err := scanFramedRows(strings.NewReader(string(buf)), func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, dropped)
	require.Equal(t, payloads, got)
}

func TestFraming_TrailingFragment(t *testing.T) {
	buf := appendFramedRow(nil, "complete")
	buf = append(buf, obfuscate(nil, "half a ro")...)

	var got []string
	dropped, err := scanFramedRows(strings.NewReader(string(buf)), func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"complete"}, got)
	require.Equal(t, len("half a ro"), dropped)
}

func TestFraming_FinalMarkerWithoutNewline(t *testing.T) {
	buf := appendFramedRow(nil, "first")
	buf = obfuscate(buf, "last")
	buf = append(buf, rowEnd...)

	var got []string
	_, err := scanFramedRows(strings.NewReader(string(buf)), func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "last"}, got)
}

func TestFraming_CallbackError(t *testing.T) {
	boom := errors.New("boom")
	buf := appendFramedRow(appendFramedRow(nil, "a"), "b")
	var n int
	_, err := scanFramedRows(strings.NewReader(string(buf)), func(string) error {
		n++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, n)
}

func TestCodecs(t *testing.T) {
	u := User{ID: "42", Name: "Multi\nLine", Email: "x@example.com", Tags: []string{"a", "b"}}

	for name, codec := range map[string]Codec[User]{
		"json":    JSONCodec[User]{},
		"msgpack": MsgpackCodec[User]{},
	} {
		t.Run(name, func(t *testing.T) {
			text, err := codec.Encode(u)
			require.NoError(t, err)
			require.NotContains(t, text, rowEnd)

			framed := appendFramedRow(nil, text)
			var back User
			_, err = scanFramedRows(strings.NewReader(string(framed)), func(text string) error {
				back, err = codec.Decode(text)
				return err
			})
			require.NoError(t, err)
			require.Equal(t, u, back)
			require.True(t, sameRow(u, back))

			_, err = codec.Decode("!!not a row")
			var de *DataError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestMsgpackCodec_SingleLine(t *testing.T) {
	text, err := MsgpackCodec[User]{}.Encode(User{ID: "1", Name: "a\nb\nc"})
	require.NoError(t, err)
	require.NotContains(t, text, "\n")
}

func TestShardRouting(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := strings.Repeat("k", i%7) + string(rune('a'+i%26))
		a, b := shardOf(KeyID(key)), shardOf(KeyID(key))
		require.Equal(t, a, b)
		require.LessOrEqual(t, a, uint64(MaxSubTables))
	}
	require.Equal(t, uint64(0x12^0x34&0xff), shardOf(0x34<<16|0x12))
	require.Equal(t, "17.tab", subTableName(17))
}

func TestSameRow(t *testing.T) {
	a := User{ID: "1", Name: "a"}
	require.True(t, sameRow(a, User{ID: "1", Name: "other"}))
	require.False(t, sameRow(a, User{ID: "2"}))
	require.False(t, sameRow(User{}, User{}))

	v := Versioned{ID: "1", Version: 1}
	require.False(t, sameRow(v, Versioned{ID: "1", Version: 2}))
	require.True(t, sameRow(v, Versioned{ID: "1", Version: 1}))
}
