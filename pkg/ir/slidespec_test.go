package ir

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDeck = `{
  "schema_version": "slidespec_v1",
  "deck": {"title": "Quarterly review", "language": "en"},
  "slides": [
    {
      "slide_id": "s1",
      "type": "title",
      "elements": [
        {"element_id": "s1-title", "kind": "text", "role": "title", "content": {"text": "Q3 results"}}
      ]
    },
    {
      "slide_id": "s2",
      "type": "content",
      "layout": {"layout_id": "one_column"},
      "elements": [
        {"element_id": "s2-title", "kind": "text", "role": "title", "content": {"text": "Highlights"}},
        {"element_id": "s2-body", "kind": "bullets", "role": "body",
         "content": {"items": ["Revenue up", {"text": "Margins", "children": ["Gross", "Net"]}]},
         "style_overrides": {"font_pt": 18},
         "constraints": {"min_font_pt": 12}}
      ]
    }
  ]
}`

func TestDecode_Valid(t *testing.T) {
	spec, err := Decode([]byte(sampleDeck))
	require.NoError(t, err)
	require.Len(t, spec.Slides, 2)

	body := spec.Element("s2", "s2-body")
	require.NotNil(t, body)
	require.Equal(t, 18.0, body.FontPt(24))
	require.Equal(t, 12.0, body.MinFontPt(10))
	require.True(t, body.AllowShrink())

	bullets, err := body.Bullets()
	require.NoError(t, err)
	flat := bullets.Flatten()
	require.Len(t, flat, 4)
	require.Equal(t, FlatBullet{Text: "Gross", Level: 1}, flat[2])
}

func TestParse_RejectsUnknownProperties(t *testing.T) {
	doc := strings.Replace(sampleDeck, `"language": "en"`, `"language": "en", "colour": "red"`, 1)
	_, err := Parse([]byte(doc))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Contains(t, verr.Error(), "colour")
}

func TestValidate_RejectsUnknownContentProperties(t *testing.T) {
	doc := strings.Replace(sampleDeck, `{"text": "Highlights"}`, `{"text": "Highlights", "size": 3}`, 1)
	_, err := Decode([]byte(doc))
	require.Error(t, err)
	require.Contains(t, err.Error(), "elements[0].content")
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	spec, err := Parse([]byte(sampleDeck))
	require.NoError(t, err)

	spec.SchemaVersion = "v0"
	spec.Slides[1].SlideID = "s1"
	spec.Slides[1].Elements[1].ElementID = "s1-title"
	low := 8.0
	spec.Slides[1].Elements[1].StyleOverrides.FontPt = &low

	err = Validate(spec)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	paths := make([]string, 0, len(verr.Problems))
	for _, p := range verr.Problems {
		paths = append(paths, p.Path)
	}
	require.Contains(t, paths, "$.schema_version")
	require.Contains(t, paths, "$.slides[1].slide_id")
	require.Contains(t, paths, "$.slides[1].elements[1].element_id")
	require.Contains(t, paths, "$.slides[1].elements[1].style_overrides.font_pt")
}

func TestBulletItem_RoundTripKeepsShortForm(t *testing.T) {
	c := BulletsContent{Items: []BulletItem{{Text: "a"}, {Text: "b", Children: []BulletItem{{Text: "c"}}}}}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t, `{"items":["a",{"text":"b","children":["c"]}]}`, string(data))
}

func TestRepair_AssignsIDsAndKeepsExistingOnes(t *testing.T) {
	doc := `{
	  "schema_version": "slidespec_v0",
	  "deck": {"title": "", "language": "x", "extra": 1},
	  "slides": [
	    {"slide_id": "intro", "type": "weird", "elements": [
	      {"element_id": "", "kind": "text", "content": {"text": "hello", "color": "red"}},
	      {"element_id": "keep", "kind": "text", "content": {"text": "world"},
	       "style_overrides": {"font_pt": 400}}
	    ]},
	    {"slide_id": "intro", "elements": []}
	  ]
	}`

	out, changes, err := Repair([]byte(doc))
	require.NoError(t, err)
	require.NotEmpty(t, changes)

	spec, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, "intro", spec.Slides[0].SlideID)
	require.Equal(t, "intro-2", spec.Slides[1].SlideID)
	require.Equal(t, "intro-e1", spec.Slides[0].Elements[0].ElementID)
	require.Equal(t, "keep", spec.Slides[0].Elements[1].ElementID)
	require.Equal(t, SlideContent, spec.Slides[0].Type)
	require.Equal(t, float64(MaxFontPt), spec.Slides[0].Elements[1].FontPt(0))
	require.Equal(t, "en", spec.Deck.Language)
}

func TestHash_Deterministic(t *testing.T) {
	a, err := Decode([]byte(sampleDeck))
	require.NoError(t, err)
	b, err := Clone(a)
	require.NoError(t, err)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	b.Slides[0].Title = "changed"
	hc, err := Hash(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}

func TestInsertSlide(t *testing.T) {
	spec := &SlideSpec{Slides: []Slide{{SlideID: "a"}, {SlideID: "c"}}}
	spec.InsertSlide(0, Slide{SlideID: "b"})
	require.Equal(t, []string{"a", "b", "c"}, []string{spec.Slides[0].SlideID, spec.Slides[1].SlideID, spec.Slides[2].SlideID})
}
