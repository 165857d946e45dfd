package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/portfolio/sla-engine/internal/canonical"
)

func TestMarshalSortsKeys(t *testing.T) {
	a, err := canonical.Marshal(map[string]interface{}{"level": 2, "instanceId": "i-1", "nested": map[string]interface{}{"z": true, "a": nil}})
	require.NoError(t, err)
	b, err := canonical.Marshal(map[string]interface{}{"nested": map[string]interface{}{"a": nil, "z": true}, "instanceId": "i-1", "level": 2})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"instanceId":"i-1","level":2,"nested":{"a":null,"z":true}}`, string(a))
}

func TestMarshalStructUsesJSONTags(t *testing.T) {
	type event struct {
		Reason string  `json:"reason"`
		Level  int     `json:"level"`
		Parent *string `json:"parent,omitempty"`
		Ratio  float64 `json:"ratio"`
	}
	out, err := canonical.Marshal(event{Reason: "breach", Level: 3, Ratio: 51.5})
	require.NoError(t, err)
	assert.Equal(t, `{"level":3,"ratio":51.5,"reason":"breach"}`, string(out))

	var tmp interface{}
	require.NoError(t, json.Unmarshal(out, &tmp))
}

func TestChainDigestDependsOnPrevHash(t *testing.T) {
	payload := map[string]interface{}{"id": "evt-1"}
	first, err := canonical.ChainDigest(payload, "")
	require.NoError(t, err)
	assert.Len(t, first, 64)

	again, err := canonical.ChainDigest(payload, "")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	linked, err := canonical.ChainDigest(payload, first)
	require.NoError(t, err)
	assert.NotEqual(t, first, linked)

	_, err = canonical.ChainDigest(payload, "not-hex")
	assert.Error(t, err)
}
