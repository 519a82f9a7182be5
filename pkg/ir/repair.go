package ir

import (
	"encoding/json"
	"fmt"
)

// Repair applies deterministic fixes to a document that failed validation:
// unknown properties are dropped, missing identifiers are assigned,
// duplicates are suffixed, out-of-range numbers are clamped, unknown enum
// values fall back to defaults and oversized strings are truncated.
// Existing valid identifiers are never renamed.
//
// It returns the repaired document and a description of each change. The
// result is not guaranteed to validate (for example empty content stays
// empty); callers re-validate.
func Repair(data []byte) ([]byte, []string, error) {
	var spec SlideSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, nil, fmt.Errorf("slidespec: repair: %w", err)
	}
	r := &repairer{}
	r.spec(&spec)
	out, err := json.Marshal(&spec)
	if err != nil {
		return nil, nil, fmt.Errorf("slidespec: repair: %w", err)
	}
	return out, r.changes, nil
}

type repairer struct {
	changes []string
}

func (r *repairer) note(format string, args ...any) {
	r.changes = append(r.changes, fmt.Sprintf(format, args...))
}

func (r *repairer) truncate(path string, s *string, max int) {
	rs := []rune(*s)
	if len(rs) > max {
		*s = string(rs[:max])
		r.note("%s truncated to %d characters", path, max)
	}
}

func (r *repairer) spec(s *SlideSpec) {
	if s.SchemaVersion != SchemaVersion {
		r.note("schema_version set to %s", SchemaVersion)
		s.SchemaVersion = SchemaVersion
	}
	if s.Deck.Title == "" {
		s.Deck.Title = "Untitled deck"
		r.note("deck.title defaulted")
	}
	r.truncate("deck.title", &s.Deck.Title, MaxTitleLen)
	if n := len([]rune(s.Deck.Language)); n < 2 || n > 20 {
		s.Deck.Language = "en"
		r.note("deck.language defaulted to en")
	}
	if len(s.Slides) > MaxSlides {
		s.Slides = s.Slides[:MaxSlides]
		r.note("slides truncated to %d", MaxSlides)
	}

	slideIDs := make(map[string]bool)
	elementIDs := make(map[string]bool)
	for i := range s.Slides {
		sl := &s.Slides[i]
		sl.SlideID = uniqueID(sl.SlideID, fmt.Sprintf("s%d", i+1), slideIDs, func(from, to string) {
			r.note("slides[%d].slide_id %q -> %q", i, from, to)
		})
		switch sl.Type {
		case "", SlideTitle, SlideSection, SlideContent, SlideClosing, SlideAppendix:
		default:
			r.note("slides[%d].type %q -> content", i, sl.Type)
			sl.Type = SlideContent
		}
		if sl.Layout != nil && sl.Layout.LayoutID == "" {
			sl.Layout = nil
			r.note("slides[%d].layout dropped (no layout_id)", i)
		}
		r.truncate(fmt.Sprintf("slides[%d].title", i), &sl.Title, MaxSlideTitleLen)
		r.truncate(fmt.Sprintf("slides[%d].speaker_notes", i), &sl.SpeakerNotes, MaxSpeakerNoteLen)
		if len(sl.Elements) > MaxElements {
			sl.Elements = sl.Elements[:MaxElements]
			r.note("slides[%d].elements truncated to %d", i, MaxElements)
		}
		for j := range sl.Elements {
			el := &sl.Elements[j]
			el.ElementID = uniqueID(el.ElementID, fmt.Sprintf("%s-e%d", sl.SlideID, j+1), elementIDs, func(from, to string) {
				r.note("slides[%d].elements[%d].element_id %q -> %q", i, j, from, to)
			})
			r.element(fmt.Sprintf("slides[%d].elements[%d]", i, j), el)
		}
	}
	for i := range s.Slides {
		if c := s.Slides[i].ContinuationOf; c != "" && !slideIDs[c] {
			s.Slides[i].ContinuationOf = ""
			r.note("slides[%d].continuation_of dropped", i)
		}
	}
}

func uniqueID(id, fallback string, seen map[string]bool, changed func(from, to string)) string {
	orig := id
	if id == "" {
		id = fallback
	}
	if len(id) > MaxIDLen {
		id = id[:MaxIDLen]
	}
	base := id
	for n := 2; seen[id]; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	seen[id] = true
	if id != orig {
		changed(orig, id)
	}
	return id
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (r *repairer) element(path string, el *Element) {
	switch el.Kind {
	case KindText, KindBullets, KindImage, KindChart, KindTable, KindShape, KindDivider:
	default:
		r.note("%s.kind %q -> text", path, el.Kind)
		el.Kind = KindText
	}
	if len([]rune(el.Role)) > MaxRoleLen {
		r.truncate(path+".role", &el.Role, MaxRoleLen)
	}
	// Re-encode content through the kind's type to drop unknown properties.
	if len(el.Content) > 0 {
		if _, err := el.DecodeContent(); err != nil {
			if fixed, ok := relaxContent(el); ok {
				el.Content = fixed
				r.note("%s.content normalized", path)
			}
		}
	}
	if so := el.StyleOverrides; so != nil {
		if so.FontPt != nil {
			if c := clamp(*so.FontPt, MinFontPt, MaxFontPt); c != *so.FontPt {
				so.FontPt = &c
				r.note("%s.style_overrides.font_pt clamped", path)
			}
		}
		if so.ColorHex != "" && !colorHex.MatchString(so.ColorHex) {
			so.ColorHex = ""
			r.note("%s.style_overrides.color_hex dropped", path)
		}
		switch so.Align {
		case "", "left", "center", "right", "justify":
		default:
			so.Align = ""
			r.note("%s.style_overrides.align dropped", path)
		}
		if so.LineSpacing != nil {
			if c := clamp(*so.LineSpacing, 0.8, 3); c != *so.LineSpacing {
				so.LineSpacing = &c
				r.note("%s.style_overrides.line_spacing clamped", path)
			}
		}
	}
	if c := el.Constraints; c != nil && c.MinFontPt != nil {
		m := clamp(*c.MinFontPt, MinFontPt, MaxFontPt)
		if el.StyleOverrides != nil && el.StyleOverrides.FontPt != nil && *el.StyleOverrides.FontPt < m {
			m = *el.StyleOverrides.FontPt
		}
		if m != *c.MinFontPt {
			c.MinFontPt = &m
			r.note("%s.constraints.min_font_pt adjusted", path)
		}
	}
	if f := el.Frame; f != nil && (f.W <= 0 || f.H <= 0) {
		el.Frame = nil
		r.note("%s.frame dropped", path)
	}
	if p := el.Padding; p != nil && (p.Top < 0 || p.Right < 0 || p.Bottom < 0 || p.Left < 0) {
		el.Padding = nil
		r.note("%s.padding dropped", path)
	}
}

// relaxContent decodes content leniently into the kind's type and
// re-encodes it.
func relaxContent(el *Element) (json.RawMessage, bool) {
	var v any
	switch el.Kind {
	case KindText:
		c := &TextContent{}
		if err := json.Unmarshal(el.Content, c); err != nil {
			return nil, false
		}
		if c.Format != "markdown" {
			c.Format = ""
		}
		if len([]rune(c.Text)) > MaxTextLen {
			c.Text = string([]rune(c.Text)[:MaxTextLen])
		}
		v = c
	case KindBullets:
		var raw struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(el.Content, &raw); err != nil {
			return nil, false
		}
		c := &BulletsContent{}
		for _, it := range raw.Items {
			var s string
			if json.Unmarshal(it, &s) == nil {
				c.Items = append(c.Items, BulletItem{Text: s})
				continue
			}
			var obj struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(it, &obj) == nil && obj.Text != "" {
				c.Items = append(c.Items, BulletItem{Text: obj.Text})
			}
		}
		if len(c.Items) > MaxBulletItems {
			c.Items = c.Items[:MaxBulletItems]
		}
		v = c
	case KindImage:
		v = &ImageContent{}
	case KindChart:
		v = &ChartContent{}
	case KindTable:
		v = &TableContent{}
	case KindShape:
		v = &ShapeContent{}
	case KindDivider:
		v = &DividerContent{}
	}
	if el.Kind != KindText && el.Kind != KindBullets {
		if err := json.Unmarshal(el.Content, v); err != nil {
			return nil, false
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}
