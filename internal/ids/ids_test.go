package ids_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/internal/ids"
)

func TestNewPrefixAndOrder(t *testing.T) {
	a := ids.New(ids.PrefixSession)
	b := ids.New(ids.PrefixSession)
	assert.True(t, ids.HasPrefix(a, ids.PrefixSession))
	assert.False(t, ids.HasPrefix(a, ids.PrefixNote))
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "v7 ids minted later sort after earlier ones")
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := ids.Canonicalize([]byte(`{ "b": 2, "a": {"d": [1, 2], "c": null} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":null,"d":[1,2]},"b":2}`, string(out))
}

func TestCanonicalizeInvalid(t *testing.T) {
	_, err := ids.Canonicalize([]byte(`{`))
	assert.Error(t, err)
}

func TestDigestDistinguishesTypes(t *testing.T) {
	_, num, err := ids.Digest([]byte(`{"n":1}`))
	require.NoError(t, err)
	_, str, err := ids.Digest([]byte(`{"n":"1"}`))
	require.NoError(t, err)
	assert.NotEqual(t, num, str)
}

func TestDigestIgnoresFormatting(t *testing.T) {
	_, a, err := ids.Digest([]byte(`{"a":1,"b":[true,false]}`))
	require.NoError(t, err)
	_, b, err := ids.Digest([]byte("{\n  \"b\": [true, false],\n  \"a\": 1\n}"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalizeValueMatchesRaw(t *testing.T) {
	v := map[string]any{"z": "x", "a": []int{3, 1}}
	fromValue, err := ids.CanonicalizeValue(v)
	require.NoError(t, err)
	fromRaw, err := ids.Canonicalize([]byte(`{"z":"x","a":[3,1]}`))
	require.NoError(t, err)
	assert.Equal(t, string(fromRaw), string(fromValue))
}

func TestCursorRoundTripProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("decode(encode(c)) == c", prop.ForAll(
		func(ts, id string) bool {
			if ts == "" || id == "" {
				return true
			}
			c := ids.Cursor{CreatedAt: ts, ID: id}
			got, err := ids.DecodeCursor(ids.EncodeCursor(c))
			return err == nil && got == c
		},
		gen.AnyString(),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "!!!", "e30"} { // e30 = "{}"
		_, err := ids.DecodeCursor(token)
		assert.ErrorIs(t, err, ids.ErrInvalidCursor, "token %q", token)
	}
}
