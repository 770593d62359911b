package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/dukex/hitlgate/pkg/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "sorted keys", input: `{"b":1,"a":2}`, want: `{"a":2,"b":1}`},
		{name: "whitespace removed", input: " { \"a\" : [ 1 , 2 ] } ", want: `{"a":[1,2]}`},
		{name: "nested objects", input: `{"z":{"y":true,"x":null}}`, want: `{"z":{"x":null,"y":true}}`},
		{name: "no html escaping", input: `{"a":"<b>&"}`, want: `{"a":"<b>&"}`},
		{name: "integral float", input: `{"n":1.0}`, want: `{"n":1}`},
		{name: "fraction", input: `{"n":0.50}`, want: `{"n":0.5}`},
		{name: "large exponent", input: `1e21`, want: `1e+21`},
		{name: "small exponent", input: `0.0000001`, want: `1e-7`},
		{name: "negative zero", input: `-0`, want: `0`},
		{name: "control characters", input: `"a\u0001\n"`, want: `"a\u0001\n"`},
		{name: "nfc normalization", input: `"e\u0301"`, want: "\"\u00e9\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := canonical.Marshal([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshal_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{``, `{`, `{"a":1} {"b":2}`, `nope`} {
		_, err := canonical.Marshal([]byte(input))
		require.ErrorIs(t, err, canonical.ErrInvalidJSON, input)
	}
}

func TestHash_KeyOrderIndependent(t *testing.T) {
	t.Parallel()

	first, err := canonical.Hash([]byte(`{"choice":"yes","rationale":"ok"}`))
	require.NoError(t, err)

	second, err := canonical.Hash([]byte(`{"rationale":"ok",  "choice":"yes"}`))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Regexp(t, `^[0-9a-f]{64}$`, first)
}

func TestHash_DifferentPayloads(t *testing.T) {
	t.Parallel()

	yes, err := canonical.Hash([]byte(`{"choice":"yes"}`))
	require.NoError(t, err)

	no, err := canonical.Hash([]byte(`{"choice":"no"}`))
	require.NoError(t, err)

	assert.NotEqual(t, yes, no)
}

func TestMarshal_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.MapOf(rapid.StringMatching(`[a-z]{1,8}`), rapid.OneOf(
			rapid.Map(rapid.String(), func(s string) any { return s }),
			rapid.Map(rapid.Int64Range(-1<<40, 1<<40), func(n int64) any { return n }),
			rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		)).Draw(t, "payload")

		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		once, err := canonical.Marshal(raw)
		if err != nil {
			t.Fatalf("canonical: %v", err)
		}

		twice, err := canonical.Marshal(once)
		if err != nil {
			t.Fatalf("canonical of canonical: %v", err)
		}

		if string(once) != string(twice) {
			t.Fatalf("not idempotent: %s != %s", once, twice)
		}
	})
}
