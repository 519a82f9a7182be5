// Package ir defines the SlideSpec intermediate representation: the
// structured deck description agents produce and the layout engine
// consumes.
//
// The schema is strict. Unknown properties are rejected at decode time and
// slide/element identifiers are stable: the fix engine and partial
// regeneration may add slides or elements but never rename existing ones.
package ir

import (
	"encoding/json"
)

// SchemaVersion is the only schema version this package accepts.
const SchemaVersion = "slidespec_v1"

// SlideType classifies slides; it selects the default layout preset.
type SlideType string

const (
	SlideTitle    SlideType = "title"
	SlideSection  SlideType = "section"
	SlideContent  SlideType = "content"
	SlideClosing  SlideType = "closing"
	SlideAppendix SlideType = "appendix"
)

// ElementKind is the content kind of an element.
type ElementKind string

const (
	KindText    ElementKind = "text"
	KindBullets ElementKind = "bullets"
	KindImage   ElementKind = "image"
	KindChart   ElementKind = "chart"
	KindTable   ElementKind = "table"
	KindShape   ElementKind = "shape"
	KindDivider ElementKind = "divider"
)

// TextBearing reports whether elements of this kind are text-measured.
func (k ElementKind) TextBearing() bool {
	return k == KindText || k == KindBullets || k == KindTable
}

// SlideSpec is a complete deck.
type SlideSpec struct {
	SchemaVersion string         `json:"schema_version"`
	Deck          DeckMeta       `json:"deck"`
	Template      *TemplateRef   `json:"template,omitempty"`
	Style         *DeckStyle     `json:"style,omitempty"`
	Assets        []AssetRef     `json:"assets,omitempty"`
	Slides        []Slide        `json:"slides"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

type DeckMeta struct {
	Title    string         `json:"title"`
	Subtitle string         `json:"subtitle,omitempty"`
	Language string         `json:"language"`
	Audience string         `json:"audience,omitempty"`
	Tone     string         `json:"tone,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type TemplateRef struct {
	TemplateID string `json:"template_id,omitempty"`
	BrandKitID string `json:"brand_kit_id,omitempty"`
	SlideSize  string `json:"slide_size,omitempty"`
}

type DeckStyle struct {
	DefaultBackground string `json:"default_background,omitempty"`
	ColorScheme       string `json:"color_scheme,omitempty"`
	AccentColor       string `json:"accent_color,omitempty"`
}

type AssetRef struct {
	AssetID string `json:"asset_id"`
	Kind    string `json:"kind,omitempty"`
	Label   string `json:"label,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

type LayoutRef struct {
	LayoutID string         `json:"layout_id"`
	Variant  string         `json:"variant,omitempty"`
	Hints    map[string]any `json:"hints,omitempty"`
}

type Citation struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind,omitempty"`
	EvidenceID string         `json:"evidence_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	Source     string         `json:"source,omitempty"`
	Locator    map[string]any `json:"locator,omitempty"`
	Quote      string         `json:"quote,omitempty"`
	URL        string         `json:"url,omitempty"`
}

type SlideStyle struct {
	Background  string `json:"background,omitempty"`
	ColorScheme string `json:"color_scheme,omitempty"`
	AccentColor string `json:"accent_color,omitempty"`
	TextColor   string `json:"text_color,omitempty"`
}

// Slide is one slide of the deck.
type Slide struct {
	SlideID      string      `json:"slide_id"`
	Type         SlideType   `json:"type,omitempty"`
	Layout       *LayoutRef  `json:"layout,omitempty"`
	Title        string      `json:"title,omitempty"`
	Elements     []Element   `json:"elements"`
	Citations    []Citation  `json:"citations,omitempty"`
	SpeakerNotes string      `json:"speaker_notes,omitempty"`
	Style        *SlideStyle `json:"style,omitempty"`

	// ContinuationOf marks a slide split off another slide by the fix engine.
	ContinuationOf string `json:"continuation_of,omitempty"`

	Extensions map[string]any `json:"extensions,omitempty"`
}

// LayoutID returns the explicit layout id or "" when none is set.
func (s *Slide) LayoutID() string {
	if s.Layout == nil {
		return ""
	}
	return s.Layout.LayoutID
}

// Element is one content item on a slide. Content is kind specific; see
// the *Content types and Element.DecodeContent.
type Element struct {
	ElementID      string          `json:"element_id"`
	Kind           ElementKind     `json:"kind"`
	Role           string          `json:"role,omitempty"`
	Content        json.RawMessage `json:"content"`
	Citations      []Citation      `json:"citations,omitempty"`
	StyleOverrides *StyleOverrides `json:"style_overrides,omitempty"`
	Constraints    *Constraints    `json:"constraints,omitempty"`

	// Frame pins the element box in points, bypassing slot placement.
	Frame *Frame `json:"frame,omitempty"`
	// Padding overrides the slot padding in points.
	Padding *Padding `json:"padding,omitempty"`

	Extensions map[string]any `json:"extensions,omitempty"`
}

type StyleOverrides struct {
	FontFamily  string   `json:"font_family,omitempty"`
	FontPt      *float64 `json:"font_pt,omitempty"`
	Bold        *bool    `json:"bold,omitempty"`
	Italic      *bool    `json:"italic,omitempty"`
	ColorHex    string   `json:"color_hex,omitempty"`
	Align       string   `json:"align,omitempty"`
	LineSpacing *float64 `json:"line_spacing,omitempty"`
}

// Constraints bound what the fix engine may do to an element.
type Constraints struct {
	MinFontPt   *float64 `json:"min_font_pt,omitempty"`
	AllowShrink *bool    `json:"allow_shrink,omitempty"`
}

type Frame struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type Padding struct {
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
}

// AllowShrink reports whether the element may be shrunk. Default true.
func (e *Element) AllowShrink() bool {
	if e.Constraints == nil || e.Constraints.AllowShrink == nil {
		return true
	}
	return *e.Constraints.AllowShrink
}

// MinFontPt returns the element's minimum font size, or def.
func (e *Element) MinFontPt(def float64) float64 {
	if e.Constraints == nil || e.Constraints.MinFontPt == nil {
		return def
	}
	return *e.Constraints.MinFontPt
}

// FontPt returns the overridden font size, or def.
func (e *Element) FontPt(def float64) float64 {
	if e.StyleOverrides == nil || e.StyleOverrides.FontPt == nil {
		return def
	}
	return *e.StyleOverrides.FontPt
}

// LineSpacing returns the overridden line spacing, or def.
func (e *Element) LineSpacing(def float64) float64 {
	if e.StyleOverrides == nil || e.StyleOverrides.LineSpacing == nil {
		return def
	}
	return *e.StyleOverrides.LineSpacing
}

// SetFontPt sets the font size override.
func (e *Element) SetFontPt(pt float64) {
	if e.StyleOverrides == nil {
		e.StyleOverrides = &StyleOverrides{}
	}
	e.StyleOverrides.FontPt = &pt
}

// SetLineSpacing sets the line spacing override.
func (e *Element) SetLineSpacing(v float64) {
	if e.StyleOverrides == nil {
		e.StyleOverrides = &StyleOverrides{}
	}
	e.StyleOverrides.LineSpacing = &v
}

// Bold reports the bold override.
func (e *Element) Bold() bool {
	return e.StyleOverrides != nil && e.StyleOverrides.Bold != nil && *e.StyleOverrides.Bold
}

// FontFamily returns the overridden family or def.
func (e *Element) FontFamily(def string) string {
	if e.StyleOverrides == nil || e.StyleOverrides.FontFamily == "" {
		return def
	}
	return e.StyleOverrides.FontFamily
}

// SlideIndex returns the index of the slide with the given id, or -1.
func (s *SlideSpec) SlideIndex(id string) int {
	for i := range s.Slides {
		if s.Slides[i].SlideID == id {
			return i
		}
	}
	return -1
}

// Slide returns the slide with the given id.
func (s *SlideSpec) Slide(id string) *Slide {
	if i := s.SlideIndex(id); i >= 0 {
		return &s.Slides[i]
	}
	return nil
}

// Element returns the element with the given id on the given slide.
func (s *SlideSpec) Element(slideID, elementID string) *Element {
	sl := s.Slide(slideID)
	if sl == nil {
		return nil
	}
	for i := range sl.Elements {
		if sl.Elements[i].ElementID == elementID {
			return &sl.Elements[i]
		}
	}
	return nil
}

// InsertSlide inserts sl directly after the slide at index i.
func (s *SlideSpec) InsertSlide(i int, sl Slide) {
	s.Slides = append(s.Slides, Slide{})
	copy(s.Slides[i+2:], s.Slides[i+1:])
	s.Slides[i+1] = sl
}
