package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalOrder(t *testing.T) {
	f := New(TypeDM)
	f.Set(FieldFrom, "alice@10.0.0.2")
	f.Set(FieldTo, "bob@10.0.0.3")
	f.Set(FieldContent, "hello")

	want := "TYPE: DM\nFROM: alice@10.0.0.2\nTO: bob@10.0.0.3\nCONTENT: hello\n\n"
	assert.Equal(t, want, string(f.Marshal()))
}

func TestRoundTrip(t *testing.T) {
	f := New(TypePost)
	f.Set(FieldUserID, "alice@10.0.0.2")
	f.Set(FieldContent, "out for lunch: back at 2")
	f.Set(FieldTTL, "3600")
	f.Set(FieldMessageID, "abc-123")

	got, err := Parse(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f.Len(), got.Len())
	assert.Equal(t, TypePost, got.Type())
	assert.Equal(t, "alice@10.0.0.2", got.Get(FieldUserID))
	// Values may themselves contain ": "; only the first separator splits.
	assert.Equal(t, "out for lunch: back at 2", got.Get(FieldContent))
	assert.Equal(t, 3600, got.GetInt(FieldTTL))
}

func TestRoundTripPreservesValueWhitespace(t *testing.T) {
	f := New(TypeDM)
	f.Set(FieldContent, "  indented, trailing  ")

	got, err := Parse(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "  indented, trailing  ", got.Get(FieldContent))
}

func TestParseSkipsJunkLines(t *testing.T) {
	raw := "TYPE: PING\n\nnot a field\nUSER_ID: dave@10.0.0.9\n\n"
	f, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TypePing, f.Type())
	assert.Equal(t, "dave@10.0.0.9", f.Get(FieldUserID))
	assert.Equal(t, 2, f.Len())
}

func TestParseNoType(t *testing.T) {
	_, err := Parse([]byte("USER_ID: x@1.2.3.4\n\n"))
	assert.ErrorIs(t, err, ErrNoType)
}

func TestMissingFields(t *testing.T) {
	f := New(TypeAck)
	assert.Equal(t, "", f.Get(FieldMessageID))
	assert.Equal(t, -1, f.GetInt(FieldChunkIndex))
	assert.Equal(t, int64(-1), f.GetInt64(FieldFilesize))
}

func TestSetReplacesInPlace(t *testing.T) {
	f := New(TypeProfile)
	f.Set(FieldDisplayName, "Alice")
	f.Set(FieldDisplayName, "Alice B")
	assert.Equal(t, 2, f.Len())
	assert.Equal(t, "Alice B", f.Get(FieldDisplayName))
}
