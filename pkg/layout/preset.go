package layout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/deckflow/pkg/ir"
)

// ErrPresetUnknown is returned when a slide names a preset the package does
// not define.
var ErrPresetUnknown = errors.New("layout: unknown preset")

// OverflowPolicy tells the engine and fixer what a slot does with content
// that does not fit.
type OverflowPolicy string

const (
	OverflowShrink OverflowPolicy = "shrink"
	OverflowGrow   OverflowPolicy = "grow"
	OverflowSplit  OverflowPolicy = "split"
)

// SlideSize is the slide canvas in points.
type SlideSize struct {
	W float64 `json:"w" yaml:"w"`
	H float64 `json:"h" yaml:"h"`
}

// PresetPackage is a versioned set of layout presets.
type PresetPackage struct {
	ID               string            `json:"id" yaml:"id"`
	Version          string            `json:"version" yaml:"version"`
	Slide            SlideSize         `json:"slide" yaml:"slide"`
	SafeArea         Insets            `json:"safe_area" yaml:"safe_area"`
	FooterBandPt     float64           `json:"footer_band_pt" yaml:"footer_band_pt"`
	DefaultFontPt    float64           `json:"default_font_pt,omitempty" yaml:"default_font_pt,omitempty"`
	DefaultMinFontPt float64           `json:"default_min_font_pt" yaml:"default_min_font_pt"`
	FontFamily       string            `json:"font_family,omitempty" yaml:"font_family,omitempty"`
	TypeDefaults     map[string]string `json:"type_defaults,omitempty" yaml:"type_defaults,omitempty"`
	Presets          []Preset          `json:"presets" yaml:"presets"`
}

// Preset is one slide layout: a set of slots and an optional fallback.
type Preset struct {
	ID       string `json:"id" yaml:"id"`
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// SpacingTolerance is the fraction of slot padding the fixer may remove.
	SpacingTolerance float64 `json:"spacing_tolerance" yaml:"spacing_tolerance"`
	Slots            []Slot  `json:"slots" yaml:"slots"`
}

// Slot is a region of a preset that receives elements.
type Slot struct {
	Name           string         `json:"name" yaml:"name"`
	BBox           Rect           `json:"bbox" yaml:"bbox"`
	Padding        Insets         `json:"padding" yaml:"padding"`
	Accept         Accept         `json:"accept" yaml:"accept"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy" yaml:"overflow_policy"`
	ZBase          int            `json:"z_base" yaml:"z_base"`
	FontPt         float64        `json:"font_pt,omitempty" yaml:"font_pt,omitempty"`
	Bold           bool           `json:"bold,omitempty" yaml:"bold,omitempty"`
	// Stack slots place several elements top-down; other slots hold one.
	Stack bool `json:"stack,omitempty" yaml:"stack,omitempty"`
	// Gap between stacked elements.
	Gap float64 `json:"gap,omitempty" yaml:"gap,omitempty"`
	// Footer slots live in the footer band.
	Footer bool `json:"footer,omitempty" yaml:"footer,omitempty"`
}

// Accept lists the element roles and kinds a slot takes.
type Accept struct {
	Roles []string         `json:"roles,omitempty" yaml:"roles,omitempty"`
	Kinds []ir.ElementKind `json:"kinds,omitempty" yaml:"kinds,omitempty"`
}

func (a Accept) role(r string) bool         { return r != "" && slices.Contains(a.Roles, r) }
func (a Accept) kind(k ir.ElementKind) bool { return slices.Contains(a.Kinds, k) }

// SafeRect returns the safe-area rectangle.
func (p *PresetPackage) SafeRect() Rect {
	return Rect{W: p.Slide.W, H: p.Slide.H}.Inset(p.SafeArea)
}

// FooterBand returns the footer band at the bottom of the safe area.
func (p *PresetPackage) FooterBand() Rect {
	safe := p.SafeRect()
	return Rect{X: safe.X, Y: safe.Bottom() - p.FooterBandPt, W: safe.W, H: p.FooterBandPt}
}

// Preset returns the preset with the given id.
func (p *PresetPackage) Preset(id string) (*Preset, error) {
	for i := range p.Presets {
		if p.Presets[i].ID == id {
			return &p.Presets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrPresetUnknown, id)
}

// PresetFor returns the preset id a slide uses: its explicit layout, else
// the package default for its type, else one_column.
func (p *PresetPackage) PresetFor(sl *ir.Slide) string {
	if id := sl.LayoutID(); id != "" {
		return id
	}
	t := sl.Type
	if t == "" {
		t = ir.SlideContent
	}
	if id, ok := p.TypeDefaults[string(t)]; ok {
		return id
	}
	return PresetOneColumn
}

// Validate checks the package is internally consistent.
func (p *PresetPackage) Validate() error {
	var problems []string
	if p.ID == "" {
		problems = append(problems, "id is required")
	}
	if p.Slide.W <= 0 || p.Slide.H <= 0 {
		problems = append(problems, "slide size must be positive")
	}
	if p.SafeRect().Empty() {
		problems = append(problems, "safe_area leaves no room")
	}
	if p.FooterBandPt < 0 || p.FooterBandPt >= p.SafeRect().H {
		problems = append(problems, "footer_band_pt out of range")
	}
	if p.DefaultMinFontPt <= 0 {
		problems = append(problems, "default_min_font_pt must be positive")
	}
	ids := make(map[string]bool, len(p.Presets))
	for _, pr := range p.Presets {
		if pr.ID == "" {
			problems = append(problems, "preset id is required")
			continue
		}
		if ids[pr.ID] {
			problems = append(problems, fmt.Sprintf("duplicate preset %q", pr.ID))
		}
		ids[pr.ID] = true
		if pr.SpacingTolerance < 0 || pr.SpacingTolerance > 1 {
			problems = append(problems, fmt.Sprintf("preset %q: spacing_tolerance must be within [0, 1]", pr.ID))
		}
		if len(pr.Slots) == 0 {
			problems = append(problems, fmt.Sprintf("preset %q has no slots", pr.ID))
		}
		for _, s := range pr.Slots {
			if s.BBox.Empty() {
				problems = append(problems, fmt.Sprintf("preset %q slot %q: bbox must have area", pr.ID, s.Name))
			}
			switch s.OverflowPolicy {
			case "", OverflowShrink, OverflowGrow, OverflowSplit:
			default:
				problems = append(problems, fmt.Sprintf("preset %q slot %q: unknown overflow_policy %q", pr.ID, s.Name, s.OverflowPolicy))
			}
		}
	}
	for _, pr := range p.Presets {
		if pr.Fallback != "" && !ids[pr.Fallback] {
			problems = append(problems, fmt.Sprintf("preset %q: unknown fallback %q", pr.ID, pr.Fallback))
		}
	}
	for t, id := range p.TypeDefaults {
		if !ids[id] {
			problems = append(problems, fmt.Sprintf("type_defaults[%s]: unknown preset %q", t, id))
		}
	}
	// Fallback chains must terminate.
	for _, pr := range p.Presets {
		seen := map[string]bool{pr.ID: true}
		for next := pr.Fallback; next != ""; {
			if seen[next] {
				problems = append(problems, fmt.Sprintf("preset %q: fallback cycle", pr.ID))
				break
			}
			seen[next] = true
			fb, err := p.Preset(next)
			if err != nil {
				break
			}
			next = fb.Fallback
		}
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("layout: invalid preset package %q: %s", p.ID, strings.Join(problems, "; "))
	}
	return nil
}

// ParsePresetPackage decodes a package from YAML or JSON. Unknown fields
// are rejected. Unset package-level values take the built-in defaults.
func ParsePresetPackage(data []byte, format string) (*PresetPackage, error) {
	var p PresetPackage
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("layout: decode preset package: %w", err)
		}
	case "yaml", "yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("layout: decode preset package: %w", err)
		}
	default:
		return nil, fmt.Errorf("layout: unsupported preset package format %q", format)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPresetPackage reads a package file; the extension selects the format.
func LoadPresetPackage(path string) (*PresetPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("layout: read preset package: %w", err)
	}
	return ParsePresetPackage(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

func (p *PresetPackage) applyDefaults() {
	if p.Slide.W == 0 && p.Slide.H == 0 {
		p.Slide = SlideSize{W: DefaultSlideW, H: DefaultSlideH}
	}
	if p.SafeArea == (Insets{}) {
		p.SafeArea = Uniform(DefaultMarginPt)
	}
	if p.DefaultFontPt == 0 {
		p.DefaultFontPt = DefaultFontPt
	}
	if p.DefaultMinFontPt == 0 {
		p.DefaultMinFontPt = DefaultMinFontPt
	}
	if p.TypeDefaults == nil {
		p.TypeDefaults = defaultTypePresets()
	}
	for i := range p.Presets {
		for j := range p.Presets[i].Slots {
			s := &p.Presets[i].Slots[j]
			if s.OverflowPolicy == "" {
				s.OverflowPolicy = OverflowShrink
			}
			if s.Stack && s.Gap == 0 {
				s.Gap = DefaultStackGap
			}
		}
	}
}
