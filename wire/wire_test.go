package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(64)
	w.Uint8(0x7F)
	w.Bool(true)
	w.Bool(false)
	w.Uint16(0xBEEF)
	w.Uint32(0xDEADBEEF)
	w.Uint64(0x0102030405060708)
	w.Int32(-42)
	require.NoError(t, w.String("alice"))
	require.NoError(t, w.Bytes16([]byte{1, 2, 3}))

	r := NewReader(w.Bytes())

	u8, err := r.Uint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x7F), u8)

	b, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, b)
	b, err = r.Bool()
	require.NoError(t, err)
	assert.False(t, b)

	u16, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), u16)

	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := r.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	i32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i32)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "alice", s)

	raw, err := r.Bytes16()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	assert.Equal(t, 0, r.Remaining())
}

func TestReaderShortBuffer(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		read func(*Reader) error
	}{
		{"uint8 empty", nil, func(r *Reader) error { _, err := r.Uint8(); return err }},
		{"uint16 one byte", []byte{1}, func(r *Reader) error { _, err := r.Uint16(); return err }},
		{"uint32 short", []byte{1, 2, 3}, func(r *Reader) error { _, err := r.Uint32(); return err }},
		{"uint64 short", []byte{1, 2, 3, 4, 5, 6, 7}, func(r *Reader) error { _, err := r.Uint64(); return err }},
		{"string missing body", []byte{5, 0, 'a'}, func(r *Reader) error { _, err := r.String(); return err }},
		{"bytes missing prefix", []byte{9}, func(r *Reader) error { _, err := r.Bytes16(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.read(NewReader(tt.buf)), ErrShortBuffer)
		})
	}
}

func TestStringEmptyAndMax(t *testing.T) {
	w := NewWriter(0)
	require.NoError(t, w.String(""))
	long := strings.Repeat("x", MaxFieldLen)
	require.NoError(t, w.String(long))

	r := NewReader(w.Bytes())
	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "", s)
	s, err = r.String()
	require.NoError(t, err)
	assert.Equal(t, long, s)

	assert.ErrorIs(t, w.String(strings.Repeat("x", MaxFieldLen+1)), ErrFieldTooLong)
}

func TestBytes16ShortBodyKeepsPosition(t *testing.T) {
	// A truncated body must not consume the length prefix, so the caller can
	// retry once more data arrives on a stream transport.
	r := NewReader([]byte{4, 0, 1, 2})
	_, err := r.Bytes16()
	require.ErrorIs(t, err, ErrShortBuffer)
	assert.Equal(t, 4, r.Remaining())
}

func TestStreamReader(t *testing.T) {
	w := NewWriter(0)
	w.Uint32(77)
	require.NoError(t, w.String("stream"))
	require.NoError(t, w.Bytes16([]byte{4, 5, 6}))

	r := NewStreamReader(bytes.NewReader(w.Bytes()))
	u32, err := r.Uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(77), u32)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "stream", s)

	b, err := r.Bytes16()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, b)

	_, err = r.Uint8()
	assert.Error(t, err)
}
