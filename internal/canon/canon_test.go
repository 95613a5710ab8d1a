package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarshal_SortsKeysAndStripsWhitespace covers the basic canonical form.
func TestMarshal_SortsKeysAndStripsWhitespace(t *testing.T) {
	out, err := Marshal(json.RawMessage(`{ "b": 1, "a": [true, null, "x"] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null,"x"],"b":1}`, string(out))
}

// TestMarshal_NoHTMLEscaping verifies <, > and & pass through.
func TestMarshal_NoHTMLEscaping(t *testing.T) {
	out, err := Marshal(map[string]any{"q": "a<b && c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b && c>d"}`, string(out))
}

// TestMarshal_LineSeparatorsUnescaped verifies U+2028/U+2029 are literal.
func TestMarshal_LineSeparatorsUnescaped(t *testing.T) {
	out, err := Marshal("x\u2028y\u2029z\n")
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\u2029z\\n\"", string(out))
}

// TestMarshal_NFC verifies composed and decomposed forms agree.
func TestMarshal_NFC(t *testing.T) {
	composed, err := Marshal("caf\u00e9")
	require.NoError(t, err)
	decomposed, err := Marshal("cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

// TestMarshal_Numbers covers integer and float formatting.
func TestMarshal_Numbers(t *testing.T) {
	out, err := Marshal(json.RawMessage(`[1, -0, 2.50, 1e3, 123456789012]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,0,2.5,1000,123456789012]`, string(out))
}

// TestMarshal_UTF16KeyOrder verifies ordering by UTF-16 code units.
func TestMarshal_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D..., which sort before U+FF21.
	out, err := Marshal(map[string]any{"Ａ": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"Ａ\":1}", string(out))
}

// TestPrepareKey_StableAcrossFormatting verifies replays hash identically.
func TestPrepareKey_StableAcrossFormatting(t *testing.T) {
	a, err := PrepareKey("exec-1", "core.ledger", []byte(`{"amount": 5, "account": "x"}`))
	require.NoError(t, err)
	b, err := PrepareKey("exec-1", "core.ledger", []byte(`{"account":"x","amount":5}`))
	require.NoError(t, err)
	c, err := PrepareKey("exec-2", "core.ledger", []byte(`{"account":"x","amount":5}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// TestInvocationID_SeqMatters verifies the sequence number participates.
func TestInvocationID_SeqMatters(t *testing.T) {
	a, err := InvocationID("exec", "core.echo", []byte(`{}`), 1)
	require.NoError(t, err)
	b, err := InvocationID("exec", "core.echo", []byte(`{}`), 2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// TestHashBytes_DomainSeparation verifies domains never collide.
func TestHashBytes_DomainSeparation(t *testing.T) {
	assert.NotEqual(t, HashBytes("a", []byte("bc")), HashBytes("ab", []byte("c")))
}

// TestCompletionID_DistinctFromInvocation verifies a completion never shares
// its invocation's identity and is stable for the same inputs.
func TestCompletionID_DistinctFromInvocation(t *testing.T) {
	inv, err := InvocationID("exec", "core.echo", []byte(`{}`), 1)
	require.NoError(t, err)

	a, err := CompletionID(inv, 2)
	require.NoError(t, err)
	again, err := CompletionID(inv, 2)
	require.NoError(t, err)
	later, err := CompletionID(inv, 3)
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, later)
	assert.NotEqual(t, inv, a)
}
