package document

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
)

func TestAddAssignsDocumentWideIDs(t *testing.T) {
	d := New("doc", "hello world")

	a, err := d.Annotations(DefaultSet).Add(0, 5, "Token", nil)
	require.NoError(t, err)
	b, err := d.Annotations("ents").Add(6, 11, "Token", FeatureMap{"kind": "word"})
	require.NoError(t, err)

	assert.Equal(t, 0, a.ID())
	assert.Equal(t, 1, b.ID())
	assert.Equal(t, "word", b.Features()["kind"])
	assert.Equal(t, []string{"ents"}, d.SetNames())
}

func TestAddCopiesFeatures(t *testing.T) {
	d := New("doc", "abc")
	fm := FeatureMap{"nested": map[string]any{"x": 1}}

	a, err := d.Annotations("").Add(0, 1, "T", fm)
	require.NoError(t, err)
	fm["nested"].(map[string]any)["x"] = 2

	assert.Equal(t, 1, a.Features()["nested"].(map[string]any)["x"])
}

func TestAddRejectsBadSpan(t *testing.T) {
	d := New("doc", "héllo")
	set := d.Annotations("")

	for _, span := range [][2]int{{-1, 2}, {3, 2}, {0, 6}} {
		_, err := set.Add(span[0], span[1], "T", nil)
		assert.True(t, errors.Is(err, bridgeerr.ErrInvalidOffset), "span %v", span)
	}
	_, err := set.Add(0, 5, "T", nil)
	assert.NoError(t, err, "code point length is 5")
	assert.Equal(t, 1, set.Size())
}

func TestRemoveAndGet(t *testing.T) {
	d := New("doc", "abc")
	set := d.Annotations("x")
	a, err := set.Add(0, 1, "T", nil)
	require.NoError(t, err)

	_, ok := set.Get(a.ID())
	assert.True(t, ok)
	assert.True(t, set.Remove(a.ID()))
	assert.False(t, set.Remove(a.ID()))
	assert.Equal(t, 0, set.Size())
}

func TestAllOrdering(t *testing.T) {
	d := New("doc", "abcdef")
	set := d.Annotations("")
	_, _ = set.Add(3, 4, "T", nil)
	_, _ = set.Add(0, 2, "T", nil)
	_, _ = set.Add(0, 1, "T", nil)

	var got [][2]int
	for _, a := range set.All() {
		got = append(got, [2]int{a.Start(), a.ID()})
	}
	assert.Equal(t, [][2]int{{0, 1}, {0, 2}, {3, 0}}, got)
}

func TestSpan(t *testing.T) {
	d := New("doc", "naïve text")
	s, err := d.Span(0, 5)
	require.NoError(t, err)
	assert.Equal(t, "naïve", s)

	_, err = d.Span(4, 20)
	assert.ErrorIs(t, err, bridgeerr.ErrInvalidOffset)
}

func TestPortableRoundTrip(t *testing.T) {
	d := New("doc", "one two")
	d.Features()["lang"] = "en"
	_, _ = d.Annotations("").Add(0, 3, "Token", FeatureMap{"n": 1.0})
	_, _ = d.Annotations("ents").Add(4, 7, "Token", nil)

	data, err := d.MarshalJSON()
	require.NoError(t, err)

	back, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "doc", back.Name())
	assert.Equal(t, "one two", back.Text())
	assert.Equal(t, "en", back.Features()["lang"])

	tok, ok := back.Annotations("").Get(0)
	require.True(t, ok)
	assert.Equal(t, 1.0, tok.Features()["n"])
	ent, ok := back.Annotations("ents").Get(1)
	require.True(t, ok)
	assert.Equal(t, 4, ent.Start())

	next, err := back.Annotations("").Add(0, 1, "T", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, next.ID(), "ids continue after imported annotations")
}

func TestFromPortableJavaOffsets(t *testing.T) {
	// "😀" is one code point and two UTF-16 units.
	p := &Portable{
		Text:       "😀ab",
		OffsetType: OffsetJava,
		AnnotationSets: map[string]PortableSet{
			"": {Annotations: []PortableAnnotation{{ID: 0, Type: "T", Start: 2, End: 4}}},
		},
	}
	d, err := FromPortable(p)
	require.NoError(t, err)

	a, ok := d.Annotations("").Get(0)
	require.True(t, ok)
	assert.Equal(t, 1, a.Start())
	assert.Equal(t, 3, a.End())

	p.AnnotationSets[""].Annotations[0].Start = 1
	_, err = FromPortable(p)
	assert.Error(t, err)
}

func TestFromPortableRejectsUnknownOffsetType(t *testing.T) {
	_, err := FromPortable(&Portable{Text: "x", OffsetType: "z"})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(txt, []byte("plain text"), 0o644))
	d, err := LoadFile(txt)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", d.Name())
	assert.Equal(t, "plain text", d.Text())
	assert.Equal(t, txt, d.Features()["sourcePath"])

	js := filepath.Join(dir, "b.bdocjs")
	require.NoError(t, os.WriteFile(js, []byte(`{"text":"abc","offset_type":"p","annotation_sets":{"s":{"name":"s","next_annid":5,"annotations":[{"id":4,"type":"T","start":0,"end":3,"features":{}}]}}}`), 0o644))
	d, err = LoadFile(js)
	require.NoError(t, err)
	assert.Equal(t, "b.bdocjs", d.Name())
	assert.Equal(t, 1, d.Annotations("s").Size())

	bad := filepath.Join(dir, "c.txt")
	require.NoError(t, os.WriteFile(bad, []byte{0xff, 0xfe}, 0o644))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}
