package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJCS_KeyOrdering(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2, "c": []any{"x", "y"}})
	assert.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":["x","y"]}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"ref": "buffer<v2>&next"})
	assert.NoError(t, err)
	assert.Equal(t, `{"ref":"buffer<v2>&next"}`, string(out))
}

func TestJCS_RespectsStructTags(t *testing.T) {
	type proposal struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Skip   string `json:"-"`
	}
	out, err := JCS(proposal{ID: "p-1", Status: "PROPOSED", Skip: "hidden"})
	assert.NoError(t, err)
	assert.Equal(t, `{"id":"p-1","status":"PROPOSED"}`, string(out))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a := map[string]any{"x": 1, "y": "z"}
	b := map[string]any{"y": "z", "x": 1}

	ha, err := CanonicalHash(a)
	assert.NoError(t, err)
	hb, err := CanonicalHash(b)
	assert.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestJCS_Nulls(t *testing.T) {
	out, err := JCS(map[string]any{"v": nil})
	assert.NoError(t, err)
	assert.Equal(t, `{"v":null}`, string(out))
}
