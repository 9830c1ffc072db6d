package canonicalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeys(t *testing.T) {
	in := map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mike":  3,
	}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":3,"zebra":1}`, out)
}

func TestCanonical_NestedMapsSortRecursively(t *testing.T) {
	in := map[string]interface{}{
		"outer": map[string]interface{}{
			"b": 1,
			"a": 2,
		},
	}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"a":2,"b":1}}`, out)
}

func TestCanonical_NoInsignificantWhitespace(t *testing.T) {
	in := []interface{}{1, 2, 3}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, out)
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	in := map[string]interface{}{"html": "<b>&</b>"}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>&</b>"}`, out)
}

func TestCanonical_TimestampFixedForm(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	in := map[string]interface{}{"ts": ts}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"ts":"2026-07-31T12:00:00Z"}`, out)
}

func TestCanonical_TimestampNormalizedToUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 7, 31, 7, 0, 0, 0, loc)
	in := map[string]interface{}{"ts": ts}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"ts":"2026-07-31T12:00:00Z"}`, out)
}

func TestCanonical_NumberPreservedExactly(t *testing.T) {
	// json.Number from a decoded payload must be preserved verbatim
	// rather than reformatted through float64.
	in := map[string]interface{}{"n": json.Number("1.50")}
	out, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1.50}`, out)
}

func TestCanonical_Deterministic(t *testing.T) {
	in := map[string]interface{}{
		"b": []interface{}{1, 2, map[string]interface{}{"y": 1, "x": 2}},
		"a": "value",
	}
	out1, err := CanonicalString(in)
	require.NoError(t, err)
	out2, err := CanonicalString(in)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}

func TestHash_DiffersOnPayloadChange(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"a": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHash_SameForLogicallyEqualValues(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashBytes_MatchesKnownSHA256(t *testing.T) {
	// sha256("") is a well-known constant.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashBytes(nil))
}
