package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/document"
)

func sampleDoc(t *testing.T) *document.Document {
	t.Helper()
	d := document.New("doc", "Alice met Bob")
	d.Features()["lang"] = "en"
	def := d.Annotations(document.DefaultSet)
	_, err := def.Add(0, 5, "Token", document.FeatureMap{"pos": "NNP"})
	require.NoError(t, err)
	_, err = def.Add(6, 9, "Token", document.FeatureMap{"pos": "VBD"})
	require.NoError(t, err)
	_, err = d.Annotations("ents").Add(10, 13, "Person", document.FeatureMap{"kind": "Person"})
	require.NoError(t, err)
	return d
}

func TestExportAllSets(t *testing.T) {
	d := sampleDoc(t)

	s, err := Export(d, 0, d.Len(), Options{Sets: []string{"*"}})
	require.NoError(t, err)

	assert.Equal(t, "Alice met Bob", s.Text)
	assert.Equal(t, []string{":Token", "ents:Person"}, s.Keys())
	assert.Len(t, s.Entities[":Token"], 2)

	first := s.Entities[":Token"][0].(map[string]any)
	assert.Equal(t, []int{0, 5}, first["indices"])
	assert.Equal(t, 0, first[DefaultIDFeature])
	assert.Equal(t, "NNP", first["pos"])

	assert.True(t, s.Known("", 1))
	assert.True(t, s.Known("ents", 2))
	assert.False(t, s.Known("ents", 0))
}

func TestExportSelectsSets(t *testing.T) {
	d := sampleDoc(t)

	s, err := Export(d, 0, d.Len(), Options{Sets: []string{" ents "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ents:Person"}, s.Keys())

	s, err = Export(d, 0, d.Len(), Options{Sets: []string{""}})
	require.NoError(t, err)
	assert.Equal(t, []string{":Token"}, s.Keys())
	assert.False(t, s.Known("ents", 2))
}

func TestExportSpanIsRelative(t *testing.T) {
	d := sampleDoc(t)

	s, err := Export(d, 6, 13, Options{})
	require.NoError(t, err)
	assert.Equal(t, "met Bob", s.Text)

	toks := s.Entities[":Token"]
	require.Len(t, toks, 1, "Alice lies outside the span")
	assert.Equal(t, []int{0, 3}, toks[0].(map[string]any)["indices"])
	assert.Equal(t, []int{4, 7}, s.Entities["ents:Person"][0].(map[string]any)["indices"])
	assert.False(t, s.Known("", 0))
}

func TestExportTypeFeature(t *testing.T) {
	d := sampleDoc(t)

	s, err := Export(d, 0, d.Len(), Options{Sets: []string{"ents"}, IDFeature: "gid", TypeFeature: "kind"})
	require.NoError(t, err)

	e := s.Entities["ents:Person"][0].(map[string]any)
	assert.Equal(t, "Person", e["kind"])
	assert.Equal(t, 2, e["gid"])
	_, hasDefault := e[DefaultIDFeature]
	assert.False(t, hasDefault)
}

func TestExportInvalidSpan(t *testing.T) {
	d := sampleDoc(t)

	_, err := Export(d, 5, 2, Options{})
	assert.ErrorIs(t, err, bridgeerr.ErrInvalidOffset)
	_, err = Export(d, 0, 100, Options{})
	assert.ErrorIs(t, err, bridgeerr.ErrInvalidOffset)
}

func TestExportExtraContext(t *testing.T) {
	d := sampleDoc(t)

	s, err := Export(d, 0, d.Len(), Options{
		Sets: []string{"*"},
		Extra: map[string]any{
			"text":     "override",
			"inputAS":  "ents",
			"entities": map[string]any{"ents:Person": []any{map[string]any{"indices": []any{0, 1}}}, "x:Y": []any{}},
		},
	})
	require.NoError(t, err)

	m := s.Map()
	assert.Equal(t, "override", m["text"])
	assert.Equal(t, "ents", m["inputAS"])
	assert.Len(t, s.Entities["ents:Person"], 2)
	assert.Contains(t, s.Entities, "x:Y")
}

func TestMarshalJSON(t *testing.T) {
	d := sampleDoc(t)
	s, err := Export(d, 0, d.Len(), Options{})
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "Alice met Bob", out["text"])
	assert.Equal(t, map[string]any{"lang": "en"}, out["documentFeatures"])
	ents := out["entities"].(map[string]any)
	assert.Len(t, ents[":Token"], 2)
}

func TestExportDoesNotShareState(t *testing.T) {
	d := sampleDoc(t)
	s, err := Export(d, 0, d.Len(), Options{})
	require.NoError(t, err)

	s.DocumentFeatures["lang"] = "fr"
	s.Entities[":Token"][0].(map[string]any)["pos"] = "X"

	assert.Equal(t, "en", d.Features()["lang"])
	a, _ := d.Annotations("").Get(0)
	assert.Equal(t, "NNP", a.Features()["pos"])
}
