package fix

import (
	"context"
	"log/slog"
	"math"
	"unicode/utf8"

	"github.com/petrijr/deckflow/pkg/ir"
	"github.com/petrijr/deckflow/pkg/layout"
	"github.com/petrijr/deckflow/pkg/qc"
)

const (
	// FontStepPt is the shrink decrement.
	FontStepPt = 2.0
	// MinLineSpacing is the tightest line spacing a fix may set.
	MinLineSpacing = 1.0
	// SeparationGapPt is kept between boxes moved apart.
	SeparationGapPt = 12.0
	// summaryHeadroom leaves room for measurement error when asking for
	// shorter text.
	summaryHeadroom = 0.9
)

// lineSpacings are tried in order by the line spacing tier.
var lineSpacings = []float64{1.15, MinLineSpacing}

// tier is one rung of the fix ladder. propose returns candidate operation
// lists in order of preference; the first acceptable one wins. A partial
// tier is kept when it lowers the slide's issue score; other tiers must
// clear every issue of their target types.
type tier struct {
	technique Technique
	targets   []qc.IssueType
	partial   bool
	propose   func(ctx context.Context, f *Fixer, st *slideState) [][]Operation
}

var tiers = []tier{
	{technique: TechniqueShrinkFont, targets: []qc.IssueType{qc.IssueOverflow, qc.IssueMinFont}, propose: proposeShrink},
	{technique: TechniqueLineSpacing, targets: []qc.IssueType{qc.IssueOverflow}, propose: proposeLineSpacing},
	{technique: TechniqueSpacing, partial: true, propose: proposeSpacing},
	{technique: TechniqueFallback, partial: true, propose: proposeFallback},
	{technique: TechniqueSplit, partial: true, propose: proposeSplit},
	{technique: TechniqueSummarize, partial: true, propose: proposeSummarize},
}

func ptr[T any](v T) *T { return &v }

// shrinkable returns the placed elements with overflow issues that may be
// shrunk.
func shrinkable(st *slideState) []*layout.PlacedElement {
	var out []*layout.PlacedElement
	for _, is := range st.issues {
		if is.Type != qc.IssueOverflow || is.SlideID != st.slide.SlideID {
			continue
		}
		pe := st.plan.Element(is.ElementID)
		if pe == nil || !pe.AllowShrink || !pe.Kind.TextBearing() {
			continue
		}
		out = append(out, pe)
	}
	return out
}

// proposeShrink lowers overflowing fonts in FontStepPt decrements, never
// below the element minimum, and raises fonts that are below it.
func proposeShrink(_ context.Context, _ *Fixer, st *slideState) [][]Operation {
	targets := shrinkable(st)
	var raise []Operation
	for _, is := range st.issues {
		if is.Type != qc.IssueMinFont || is.SlideID != st.slide.SlideID {
			continue
		}
		if pe := st.plan.Element(is.ElementID); pe != nil {
			raise = append(raise, Operation{Op: OpSetFontPt, SlideID: st.slide.SlideID, ElementID: pe.ElementID, FontPt: ptr(pe.Style.MinFontPt)})
		}
	}

	var variants [][]Operation
	for k := 1; ; k++ {
		ops := append([]Operation(nil), raise...)
		progressed := false
		for _, pe := range targets {
			font := math.Max(pe.Style.MinFontPt, pe.Style.FontPt-FontStepPt*float64(k))
			if font >= pe.Style.FontPt {
				continue
			}
			if prev := pe.Style.FontPt - FontStepPt*float64(k-1); font < prev {
				progressed = true
			}
			ops = append(ops, Operation{Op: OpSetFontPt, SlideID: st.slide.SlideID, ElementID: pe.ElementID, FontPt: ptr(font)})
		}
		if !progressed {
			if k == 1 && len(raise) > 0 {
				variants = append(variants, ops)
			}
			break
		}
		variants = append(variants, ops)
	}
	return variants
}

// proposeLineSpacing tightens line spacing, pairing each spacing with the
// largest font that might fit.
func proposeLineSpacing(_ context.Context, _ *Fixer, st *slideState) [][]Operation {
	targets := shrinkable(st)
	if len(targets) == 0 {
		return nil
	}
	var variants [][]Operation
	for _, ls := range lineSpacings {
		for k := 0; ; k++ {
			var ops []Operation
			atMin := true
			for _, pe := range targets {
				if ls >= pe.Style.LineSpacing {
					continue
				}
				ops = append(ops, Operation{Op: OpSetLineSpacing, SlideID: st.slide.SlideID, ElementID: pe.ElementID, LineSpacing: ptr(ls)})
				font := math.Max(pe.Style.MinFontPt, pe.Style.FontPt-FontStepPt*float64(k))
				if font < pe.Style.FontPt {
					ops = append(ops, Operation{Op: OpSetFontPt, SlideID: st.slide.SlideID, ElementID: pe.ElementID, FontPt: ptr(font)})
				}
				if font > pe.Style.MinFontPt {
					atMin = false
				}
			}
			if len(ops) == 0 {
				break
			}
			variants = append(variants, ops)
			if atMin {
				break
			}
		}
	}
	return variants
}

// proposeSpacing trims padding on overflowing elements within the preset's
// spacing tolerance, moves pinned boxes back into the safe area and pulls
// overlapping pinned boxes apart.
func proposeSpacing(_ context.Context, f *Fixer, st *slideState) [][]Operation {
	slideID := st.slide.SlideID
	tolerance := 0.0
	if pr, err := f.layout.Package().Preset(st.plan.PresetID); err == nil {
		tolerance = pr.SpacingTolerance
	}
	var ops []Operation
	moved := make(map[string]layout.Rect)
	for _, is := range st.issues {
		if is.SlideID != slideID {
			continue
		}
		pe := st.plan.Element(is.ElementID)
		if pe == nil {
			continue
		}
		switch is.Type {
		case qc.IssueOverflow:
			if tolerance <= 0 || pe.Padding == (layout.Insets{}) {
				continue
			}
			p := pe.Padding.Scale(1 - tolerance)
			ops = append(ops, Operation{Op: OpSetPadding, SlideID: slideID, ElementID: pe.ElementID,
				Padding: &ir.Padding{Top: p.Top, Right: p.Right, Bottom: p.Bottom, Left: p.Left}})
		case qc.IssueOutOfBounds:
			if !pe.Pinned {
				continue
			}
			box := pe.Box.ClampInto(st.plan.SafeArea)
			moved[pe.ElementID] = box
			ops = append(ops, frameOp(slideID, pe.ElementID, box))
		case qc.IssueOverlap:
			other := st.plan.Element(is.Details.Other)
			if other == nil {
				continue
			}
			mover, anchor := other, pe
			if !mover.Pinned {
				mover, anchor = pe, other
			}
			if !mover.Pinned {
				continue
			}
			if _, done := moved[mover.ElementID]; done {
				continue
			}
			anchorBox := anchor.Box
			if b, ok := moved[anchor.ElementID]; ok {
				anchorBox = b
			}
			if box, ok := separate(mover.Box, anchorBox, st.plan.SafeArea); ok {
				moved[mover.ElementID] = box
				ops = append(ops, frameOp(slideID, mover.ElementID, box))
			}
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return [][]Operation{ops}
}

func frameOp(slideID, elementID string, r layout.Rect) Operation {
	return Operation{Op: OpSetFrame, SlideID: slideID, ElementID: elementID, Frame: &ir.Frame{X: r.X, Y: r.Y, W: r.W, H: r.H}}
}

// separate moves box next to anchor (right, below, left, then above) so
// the two no longer intersect, keeping it inside safe.
func separate(box, anchor, safe layout.Rect) (layout.Rect, bool) {
	candidates := []layout.Rect{
		{X: anchor.Right() + SeparationGapPt, Y: box.Y, W: box.W, H: box.H},
		{X: box.X, Y: anchor.Bottom() + SeparationGapPt, W: box.W, H: box.H},
		{X: anchor.X - SeparationGapPt - box.W, Y: box.Y, W: box.W, H: box.H},
		{X: box.X, Y: anchor.Y - SeparationGapPt - box.H, W: box.W, H: box.H},
	}
	for _, c := range candidates {
		if safe.Contains(c) && !c.Overlaps(anchor) {
			return c, true
		}
	}
	return layout.Rect{}, false
}

// proposeFallback swaps the slide to its preset's fallback.
func proposeFallback(_ context.Context, f *Fixer, st *slideState) [][]Operation {
	pr, err := f.layout.Package().Preset(st.plan.PresetID)
	if err != nil || pr.Fallback == "" {
		return nil
	}
	return [][]Operation{{{Op: OpSetLayout, SlideID: st.slide.SlideID, LayoutID: pr.Fallback}}}
}

// proposeSummarize asks the summarizer for shorter text on overflowing
// text elements, sized to the share of the box the text can fill.
func proposeSummarize(ctx context.Context, f *Fixer, st *slideState) [][]Operation {
	var ops []Operation
	for _, pe := range shrinkable(st) {
		if pe.Kind != ir.KindText || pe.Metrics == nil || pe.Metrics.RequiredHeight <= 0 {
			continue
		}
		el := st.spec.Element(st.slide.SlideID, pe.ElementID)
		if el == nil {
			continue
		}
		c, err := el.Text()
		if err != nil {
			continue
		}
		ratio := pe.ContentBox.H / pe.Metrics.RequiredHeight
		maxChars := int(float64(utf8.RuneCountInString(c.Text)) * ratio * summaryHeadroom)
		if maxChars <= 0 {
			continue
		}
		short, err := f.summarizer.Summarize(ctx, c.Text, maxChars)
		if err != nil {
			f.logger.WarnContext(ctx, "fix_summarize_failed",
				slog.String("slide_id", st.slide.SlideID),
				slog.String("element_id", pe.ElementID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if short == "" || short == c.Text {
			continue
		}
		tmp := *el
		if err := tmp.SetContent(ir.TextContent{Text: short, Format: c.Format}); err != nil {
			continue
		}
		ops = append(ops, Operation{Op: OpSetContent, SlideID: st.slide.SlideID, ElementID: pe.ElementID, Content: tmp.Content})
	}
	if len(ops) == 0 {
		return nil
	}
	return [][]Operation{ops}
}
