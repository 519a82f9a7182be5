package fix

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/deckflow/pkg/ir"
)

// OpKind names a patch operation.
type OpKind string

const (
	OpSetFontPt      OpKind = "set_font_pt"
	OpSetLineSpacing OpKind = "set_line_spacing"
	OpSetPadding     OpKind = "set_padding"
	OpSetFrame       OpKind = "set_frame"
	OpSetLayout      OpKind = "set_layout"
	OpSetContent     OpKind = "set_content"
	OpInsertSlide    OpKind = "insert_slide"
)

// Operation is one atomic edit of the IR. Only the fields relevant to Op
// are set.
type Operation struct {
	Op          OpKind          `json:"op"`
	SlideID     string          `json:"slide_id"`
	ElementID   string          `json:"element_id,omitempty"`
	FontPt      *float64        `json:"font_pt,omitempty"`
	LineSpacing *float64        `json:"line_spacing,omitempty"`
	Padding     *ir.Padding     `json:"padding,omitempty"`
	Frame       *ir.Frame       `json:"frame,omitempty"`
	LayoutID    string          `json:"layout_id,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	// Slide is inserted directly after SlideID.
	Slide *ir.Slide `json:"slide,omitempty"`
}

// Technique identifies a fix tier.
type Technique string

const (
	TechniqueShrinkFont  Technique = "shrink_font"
	TechniqueLineSpacing Technique = "line_spacing"
	TechniqueSpacing     Technique = "spacing"
	TechniqueFallback    Technique = "preset_fallback"
	TechniqueSplit       Technique = "split"
	TechniqueSummarize   Technique = "summarize"
)

// IssueRef identifies an issue without its measurements.
type IssueRef struct {
	Type      string `json:"type"`
	SlideID   string `json:"slide_id"`
	ElementID string `json:"element_id,omitempty"`
}

// Applied records one accepted tier.
type Applied struct {
	SlideID    string      `json:"slide_id"`
	Technique  Technique   `json:"technique"`
	Operations []Operation `json:"operations"`
}

// Patch is the ordered set of edits one fix iteration made.
type Patch struct {
	Iteration  int        `json:"iteration"`
	Applied    []Applied  `json:"applied"`
	Resolved   []IssueRef `json:"resolved"`
	Unresolved []IssueRef `json:"unresolved"`
	Skipped    []string   `json:"skipped,omitempty"`
}

// Operations returns every operation of the patch in order.
func (p *Patch) Operations() []Operation {
	var out []Operation
	for _, a := range p.Applied {
		out = append(out, a.Operations...)
	}
	return out
}

// Techniques returns the accepted techniques in order, without duplicates.
func (p *Patch) Techniques() []Technique {
	seen := make(map[Technique]bool)
	var out []Technique
	for _, a := range p.Applied {
		if !seen[a.Technique] {
			seen[a.Technique] = true
			out = append(out, a.Technique)
		}
	}
	return out
}

// Apply returns a copy of spec with ops applied in order. spec is never
// modified; any failing operation aborts the whole patch.
func Apply(spec *ir.SlideSpec, ops []Operation) (*ir.SlideSpec, error) {
	out, err := ir.Clone(spec)
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		if err := applyOne(out, op); err != nil {
			return nil, fmt.Errorf("fix: operation %d (%s): %w", i, op.Op, err)
		}
	}
	return out, nil
}

func applyOne(spec *ir.SlideSpec, op Operation) error {
	idx := spec.SlideIndex(op.SlideID)
	if idx < 0 {
		return fmt.Errorf("unknown slide %q", op.SlideID)
	}
	sl := &spec.Slides[idx]

	if op.Op == OpSetLayout {
		if op.LayoutID == "" {
			return fmt.Errorf("layout_id is required")
		}
		if sl.Layout == nil {
			sl.Layout = &ir.LayoutRef{}
		}
		sl.Layout.LayoutID = op.LayoutID
		return nil
	}
	if op.Op == OpInsertSlide {
		if op.Slide == nil {
			return fmt.Errorf("slide is required")
		}
		if spec.SlideIndex(op.Slide.SlideID) >= 0 {
			return fmt.Errorf("slide %q already exists", op.Slide.SlideID)
		}
		for _, el := range op.Slide.Elements {
			if elementExists(spec, el.ElementID) {
				return fmt.Errorf("element %q already exists", el.ElementID)
			}
		}
		spec.InsertSlide(idx, *op.Slide)
		return nil
	}

	el := spec.Element(op.SlideID, op.ElementID)
	if el == nil {
		return fmt.Errorf("unknown element %q on slide %q", op.ElementID, op.SlideID)
	}
	switch op.Op {
	case OpSetFontPt:
		if op.FontPt == nil {
			return fmt.Errorf("font_pt is required")
		}
		if *op.FontPt < el.MinFontPt(0) {
			return fmt.Errorf("font %.1fpt is below the element minimum", *op.FontPt)
		}
		el.SetFontPt(*op.FontPt)
	case OpSetLineSpacing:
		if op.LineSpacing == nil {
			return fmt.Errorf("line_spacing is required")
		}
		if *op.LineSpacing < MinLineSpacing {
			return fmt.Errorf("line spacing %.2f is below %.1f", *op.LineSpacing, MinLineSpacing)
		}
		el.SetLineSpacing(*op.LineSpacing)
	case OpSetPadding:
		if op.Padding == nil {
			return fmt.Errorf("padding is required")
		}
		p := *op.Padding
		el.Padding = &p
	case OpSetFrame:
		if op.Frame == nil {
			return fmt.Errorf("frame is required")
		}
		f := *op.Frame
		el.Frame = &f
	case OpSetContent:
		if len(op.Content) == 0 {
			return fmt.Errorf("content is required")
		}
		el.Content = append(json.RawMessage(nil), op.Content...)
	default:
		return fmt.Errorf("unsupported operation")
	}
	return nil
}

func elementExists(spec *ir.SlideSpec, id string) bool {
	for i := range spec.Slides {
		for j := range spec.Slides[i].Elements {
			if spec.Slides[i].Elements[j].ElementID == id {
				return true
			}
		}
	}
	return false
}
