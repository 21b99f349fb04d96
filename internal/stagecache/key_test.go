package stagecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategy-cli/internal/model"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "acme co expand", Normalize("  ACME   Co\n\tExpand "))
	assert.Equal(t, "sao paulo cafe", Normalize("São Paulo Café"))
}

func TestKey_Deterministic(t *testing.T) {
	in := map[string]any{"company": "Acme Co", "industry": "Retail", "challenge": "Expand"}
	k1, err := Key(model.StageExtraction, in, 0)
	require.NoError(t, err)
	k2, err := Key(model.StageExtraction, map[string]any{"challenge": "Expand", "industry": "Retail", "company": "Acme Co"}, 0)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "stage:1:"))
	assert.Len(t, strings.TrimPrefix(k1, "stage:1:"), 64)
}

func TestKey_NearIdenticalInputsShareKey(t *testing.T) {
	k1, err := Key(model.StageFrameworks, map[string]string{"company": "Acme  Co", "challenge": "Expand into E-commerce"}, 0)
	require.NoError(t, err)
	k2, err := Key(model.StageFrameworks, map[string]string{"company": "acme co", "challenge": "expand into e-commerce"}, 0)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKey_StageAndContentDistinguish(t *testing.T) {
	in := map[string]string{"company": "Acme"}
	k1, _ := Key(model.StageExtraction, in, 0)
	k3, _ := Key(model.StageFrameworks, in, 0)
	k4, _ := Key(model.StageExtraction, map[string]string{"company": "Globex"}, 0)

	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}

func TestKey_Truncation(t *testing.T) {
	prefix := strings.Repeat("a", 50)
	k1, err := Key(model.StageExtraction, prefix+"-tail-one", 20)
	require.NoError(t, err)
	k2, err := Key(model.StageExtraction, prefix+"-tail-two", 20)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, _ := Key(model.StageExtraction, prefix+"-tail-one", 0)
	k4, _ := Key(model.StageExtraction, prefix+"-tail-two", 0)
	assert.NotEqual(t, k3, k4)
}

func TestKey_UnmarshalableInput(t *testing.T) {
	_, err := Key(model.StageExtraction, map[string]any{"ch": make(chan int)}, 0)
	assert.Error(t, err)
}
