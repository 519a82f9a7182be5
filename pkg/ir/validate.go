package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Schema limits.
const (
	MaxSlides         = 500
	MaxElements       = 200
	MaxTitleLen       = 300
	MaxSlideTitleLen  = 500
	MaxIDLen          = 120
	MaxRoleLen        = 80
	MaxTextLen        = 20000
	MaxBulletItems    = 200
	MaxBulletTextLen  = 2000
	MaxTableColumns   = 50
	MaxTableRows      = 5000
	MaxChartSeries    = 30
	MaxSpeakerNoteLen = 10000
	MinFontPt         = 1
	MaxFontPt         = 200
)

var colorHex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

var chartTypes = map[string]bool{"bar": true, "line": true, "pie": true, "area": true, "stacked_bar": true}

// Problem is one schema violation.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a document.
type ValidationError struct {
	Problems []Problem `json:"problems"`
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("slidespec: %s: %s", e.Problems[0].Path, e.Problems[0].Message)
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Path+": "+p.Message)
	}
	return fmt.Sprintf("slidespec: %d problems: %s", len(e.Problems), strings.Join(parts, "; "))
}

// Parse decodes data strictly: unknown properties and trailing data are
// errors. It does not validate semantics; see Validate.
func Parse(data []byte) (*SlideSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var spec SlideSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, &ValidationError{Problems: []Problem{{Path: "$", Message: err.Error()}}}
	}
	if dec.More() {
		return nil, &ValidationError{Problems: []Problem{{Path: "$", Message: "trailing data after document"}}}
	}
	return &spec, nil
}

// Decode parses and validates data.
func Decode(data []byte) (*SlideSpec, error) {
	spec, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks spec against the schema rules and returns a
// *ValidationError listing every violation, or nil.
func Validate(spec *SlideSpec) error {
	v := &validator{}
	v.spec(spec)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

type validator struct {
	problems []Problem
}

func (v *validator) add(path, format string, args ...any) {
	v.problems = append(v.problems, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) length(path, s string, min, max int) {
	n := len([]rune(s))
	if n < min {
		if min == 1 {
			v.add(path, "is required")
		} else {
			v.add(path, "must be at least %d characters", min)
		}
		return
	}
	if max > 0 && n > max {
		v.add(path, "must be at most %d characters", max)
	}
}

func (v *validator) spec(s *SlideSpec) {
	if s.SchemaVersion != SchemaVersion {
		v.add("$.schema_version", "must be %q, got %q", SchemaVersion, s.SchemaVersion)
	}
	v.length("$.deck.title", s.Deck.Title, 1, MaxTitleLen)
	v.length("$.deck.language", s.Deck.Language, 2, 20)

	if len(s.Slides) == 0 {
		v.add("$.slides", "at least one slide is required")
	}
	if len(s.Slides) > MaxSlides {
		v.add("$.slides", "at most %d slides allowed", MaxSlides)
	}

	slideIDs := make(map[string]bool, len(s.Slides))
	elementIDs := make(map[string]string)
	for i := range s.Slides {
		sl := &s.Slides[i]
		path := fmt.Sprintf("$.slides[%d]", i)
		v.length(path+".slide_id", sl.SlideID, 1, MaxIDLen)
		if sl.SlideID != "" {
			if slideIDs[sl.SlideID] {
				v.add(path+".slide_id", "duplicate slide_id %q", sl.SlideID)
			}
			slideIDs[sl.SlideID] = true
		}
		switch sl.Type {
		case "", SlideTitle, SlideSection, SlideContent, SlideClosing, SlideAppendix:
		default:
			v.add(path+".type", "unknown slide type %q", sl.Type)
		}
		if sl.Layout != nil {
			v.length(path+".layout.layout_id", sl.Layout.LayoutID, 1, MaxIDLen)
		}
		v.length(path+".title", sl.Title, 0, MaxSlideTitleLen)
		v.length(path+".speaker_notes", sl.SpeakerNotes, 0, MaxSpeakerNoteLen)
		if len(sl.Elements) > MaxElements {
			v.add(path+".elements", "at most %d elements allowed", MaxElements)
		}
		for j := range sl.Elements {
			el := &sl.Elements[j]
			epath := fmt.Sprintf("%s.elements[%d]", path, j)
			v.length(epath+".element_id", el.ElementID, 1, MaxIDLen)
			if el.ElementID != "" {
				if prev, dup := elementIDs[el.ElementID]; dup {
					v.add(epath+".element_id", "duplicate element_id %q (also on slide %s)", el.ElementID, prev)
				}
				elementIDs[el.ElementID] = sl.SlideID
			}
			v.length(epath+".role", el.Role, 0, MaxRoleLen)
			v.element(epath, el)
		}
	}
	for i := range s.Slides {
		if c := s.Slides[i].ContinuationOf; c != "" && !slideIDs[c] {
			v.add(fmt.Sprintf("$.slides[%d].continuation_of", i), "references unknown slide %q", c)
		}
	}
}

func (v *validator) element(path string, el *Element) {
	content, err := el.DecodeContent()
	if err != nil {
		v.add(path+".content", "%v", err)
	} else {
		v.content(path+".content", content)
	}

	if so := el.StyleOverrides; so != nil {
		if so.FontPt != nil && (*so.FontPt < MinFontPt || *so.FontPt > MaxFontPt) {
			v.add(path+".style_overrides.font_pt", "must be within [%d, %d]", MinFontPt, MaxFontPt)
		}
		if so.ColorHex != "" && !colorHex.MatchString(so.ColorHex) {
			v.add(path+".style_overrides.color_hex", "must look like #RRGGBB")
		}
		switch so.Align {
		case "", "left", "center", "right", "justify":
		default:
			v.add(path+".style_overrides.align", "unknown alignment %q", so.Align)
		}
		if so.LineSpacing != nil && (*so.LineSpacing < 0.8 || *so.LineSpacing > 3) {
			v.add(path+".style_overrides.line_spacing", "must be within [0.8, 3]")
		}
	}
	if c := el.Constraints; c != nil && c.MinFontPt != nil {
		if *c.MinFontPt < MinFontPt || *c.MinFontPt > MaxFontPt {
			v.add(path+".constraints.min_font_pt", "must be within [%d, %d]", MinFontPt, MaxFontPt)
		} else if el.StyleOverrides != nil && el.StyleOverrides.FontPt != nil && *el.StyleOverrides.FontPt < *c.MinFontPt {
			v.add(path+".style_overrides.font_pt", "is below constraints.min_font_pt")
		}
	}
	if f := el.Frame; f != nil && (f.W <= 0 || f.H <= 0) {
		v.add(path+".frame", "must have positive width and height")
	}
	if p := el.Padding; p != nil && (p.Top < 0 || p.Right < 0 || p.Bottom < 0 || p.Left < 0) {
		v.add(path+".padding", "must not be negative")
	}
}

func (v *validator) content(path string, content any) {
	switch c := content.(type) {
	case *TextContent:
		v.length(path+".text", c.Text, 1, MaxTextLen)
		switch c.Format {
		case "", "plain", "markdown":
		default:
			v.add(path+".format", "unknown format %q", c.Format)
		}
	case *BulletsContent:
		if len(c.Items) == 0 || len(c.Items) > MaxBulletItems {
			v.add(path+".items", "must have between 1 and %d items", MaxBulletItems)
		}
		for i, b := range c.Flatten() {
			v.length(fmt.Sprintf("%s.items[%d]", path, i), b.Text, 1, MaxBulletTextLen)
		}
	case *ChartContent:
		if !chartTypes[c.ChartType] {
			v.add(path+".chart_type", "unknown chart type %q", c.ChartType)
		}
		if len(c.Series) == 0 || len(c.Series) > MaxChartSeries {
			v.add(path+".series", "must have between 1 and %d series", MaxChartSeries)
		}
		for i, s := range c.Series {
			if s.Name == "" || len(s.Data) == 0 {
				v.add(fmt.Sprintf("%s.series[%d]", path, i), "needs a name and at least one point")
			}
		}
	case *TableContent:
		if len(c.Columns) == 0 || len(c.Columns) > MaxTableColumns {
			v.add(path+".columns", "must have between 1 and %d columns", MaxTableColumns)
		}
		if len(c.Rows) == 0 || len(c.Rows) > MaxTableRows {
			v.add(path+".rows", "must have between 1 and %d rows", MaxTableRows)
		}
	case *ImageContent:
		if c.AssetID == "" && c.URL == "" {
			v.add(path, "needs asset_id or url")
		}
		switch c.CropHint {
		case "", "contain", "cover", "center_crop":
		default:
			v.add(path+".crop_hint", "unknown crop hint %q", c.CropHint)
		}
	}
}
