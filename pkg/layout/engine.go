// Package layout computes deterministic slide geometry from a SlideSpec:
// elements are resolved to preset slots, text is measured, and per-slide
// diagnostics (overflow, overlaps, out-of-bounds boxes) are recorded in a
// plan. Planning never mutates the IR; a new plan is computed whenever the
// IR changes.
package layout

import (
	"context"
	"fmt"
	"math"

	"github.com/petrijr/deckflow/pkg/ir"
)

const (
	// BulletIndentPt is the indent per nesting level.
	BulletIndentPt = 18.0
	// ParagraphGapEm separates bullet items, in em of the element font.
	ParagraphGapEm = 0.3
	// CellPaddingPt pads every table cell edge.
	CellPaddingPt = 4.0

	bulletMarker = "• "
)

// ResolvedStyle is the effective style of a placed element.
type ResolvedStyle struct {
	FontFamily  string  `json:"font_family"`
	FontPt      float64 `json:"font_pt"`
	MinFontPt   float64 `json:"min_font_pt"`
	LineSpacing float64 `json:"line_spacing"`
	Bold        bool    `json:"bold,omitempty"`
}

func (s ResolvedStyle) text() TextStyle {
	return TextStyle{FontFamily: s.FontFamily, FontPt: s.FontPt, Bold: s.Bold, LineSpacing: s.LineSpacing}
}

// PlacedElement is one element with its resolved geometry.
type PlacedElement struct {
	ElementID      string         `json:"element_id"`
	Kind           ir.ElementKind `json:"kind"`
	Role           string         `json:"role,omitempty"`
	Slot           string         `json:"slot,omitempty"`
	Box            Rect           `json:"box"`
	ContentBox     Rect           `json:"content_box"`
	Padding        Insets         `json:"padding"`
	Style          ResolvedStyle  `json:"style"`
	AllowShrink    bool           `json:"allow_shrink"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy,omitempty"`
	Footer         bool           `json:"footer,omitempty"`
	Pinned         bool           `json:"pinned,omitempty"`
	Z              int            `json:"z"`
	Metrics        *TextMetrics   `json:"metrics,omitempty"`
	// Overflow is the required height beyond the content box, when positive.
	Overflow float64 `json:"overflow,omitempty"`
}

// Overflows reports whether the measured text does not fit.
func (p *PlacedElement) Overflows() bool { return p.Overflow > epsilon }

// Overlap is a pair of intersecting element boxes.
type Overlap struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Ratio float64 `json:"ratio"`
}

// SlidePlan is the layout of one slide.
type SlidePlan struct {
	SlideID         string          `json:"slide_id"`
	Index           int             `json:"index"`
	PresetID        string          `json:"preset_id"`
	RequestedPreset string          `json:"requested_preset,omitempty"`
	SafeArea        Rect            `json:"safe_area"`
	FooterBand      Rect            `json:"footer_band"`
	Elements        []PlacedElement `json:"elements"`
	Overlaps        []Overlap       `json:"overlaps,omitempty"`
	OutOfBounds     []string        `json:"out_of_bounds,omitempty"`
}

// Element returns the placed element with the given id.
func (s *SlidePlan) Element(id string) *PlacedElement {
	for i := range s.Elements {
		if s.Elements[i].ElementID == id {
			return &s.Elements[i]
		}
	}
	return nil
}

// DeckPlan is the layout of a whole deck.
type DeckPlan struct {
	PackageID      string      `json:"package_id"`
	PackageVersion string      `json:"package_version"`
	Slide          SlideSize   `json:"slide"`
	IRHash         string      `json:"ir_hash"`
	Slides         []SlidePlan `json:"slides"`
}

// SlidePlan returns the plan of the slide with the given id.
func (d *DeckPlan) SlidePlan(id string) *SlidePlan {
	for i := range d.Slides {
		if d.Slides[i].SlideID == id {
			return &d.Slides[i]
		}
	}
	return nil
}

// Engine plans decks against one preset package.
type Engine struct {
	pkg *PresetPackage
	m   *Measurer
}

// NewEngine returns an engine. A nil package selects Builtin and a nil
// measurer a default one.
func NewEngine(pkg *PresetPackage, m *Measurer) *Engine {
	if pkg == nil {
		pkg = Builtin()
	}
	if m == nil {
		m = NewMeasurer()
	}
	return &Engine{pkg: pkg, m: m}
}

func (e *Engine) Package() *PresetPackage { return e.pkg }
func (e *Engine) Measurer() *Measurer     { return e.m }

// Plan lays out every slide of spec.
func (e *Engine) Plan(ctx context.Context, spec *ir.SlideSpec) (*DeckPlan, error) {
	hash, err := ir.Hash(spec)
	if err != nil {
		return nil, err
	}
	plan := &DeckPlan{
		PackageID:      e.pkg.ID,
		PackageVersion: e.pkg.Version,
		Slide:          e.pkg.Slide,
		IRHash:         hash,
		Slides:         make([]SlidePlan, 0, len(spec.Slides)),
	}
	for i := range spec.Slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sp, err := e.PlanSlide(ctx, &spec.Slides[i], i)
		if err != nil {
			return nil, err
		}
		plan.Slides = append(plan.Slides, *sp)
	}
	return plan, nil
}

// PlanSlide lays out one slide.
func (e *Engine) PlanSlide(ctx context.Context, sl *ir.Slide, index int) (*SlidePlan, error) {
	requested := e.pkg.PresetFor(sl)
	res, err := e.pkg.resolve(requested, sl)
	if err != nil {
		return nil, err
	}
	sp := &SlidePlan{
		SlideID:    sl.SlideID,
		Index:      index,
		PresetID:   res.preset.ID,
		SafeArea:   e.pkg.SafeRect(),
		FooterBand: e.pkg.FooterBand(),
		Elements:   make([]PlacedElement, len(sl.Elements)),
	}
	if res.preset.ID != requested {
		sp.RequestedPreset = requested
	}

	for i := range sl.Elements {
		sp.Elements[i] = e.initElement(&sl.Elements[i], res.slot(i))
	}

	// Slot placement, in slot order so stacks are laid out together.
	for j := range res.preset.Slots {
		slot := &res.preset.Slots[j]
		var members []int
		for i, s := range res.slots {
			if s == j && sl.Elements[i].Frame == nil {
				members = append(members, i)
			}
		}
		if len(members) == 0 {
			continue
		}
		if err := e.placeSlot(ctx, sl, sp, slot, members); err != nil {
			return nil, err
		}
	}

	pinnedZ := 50
	for i := range sl.Elements {
		el := &sl.Elements[i]
		pe := &sp.Elements[i]
		if el.Frame != nil {
			pe.Pinned = true
			pe.Box = Rect{X: el.Frame.X, Y: el.Frame.Y, W: el.Frame.W, H: el.Frame.H}
			if pe.Slot == "" {
				pe.Z = pinnedZ + i
			}
		}
		if pe.Box.Empty() {
			return nil, fmt.Errorf("%w: slide %s element %s", ErrZeroArea, sl.SlideID, el.ElementID)
		}
		pe.ContentBox = pe.Box.Inset(pe.Padding)
		if el.Kind.TextBearing() {
			if pe.ContentBox.W <= 0 {
				return nil, fmt.Errorf("%w: slide %s element %s has no content width", ErrZeroArea, sl.SlideID, el.ElementID)
			}
			tm, err := e.MeasureElement(ctx, el, pe.Style, pe.ContentBox.W)
			if err != nil {
				return nil, fmt.Errorf("layout: slide %s element %s: %w", sl.SlideID, el.ElementID, err)
			}
			pe.Metrics = tm
			if over := tm.RequiredHeight - pe.ContentBox.H; over > epsilon {
				pe.Overflow = over
			}
		}
	}

	for a := 0; a < len(sp.Elements); a++ {
		for b := a + 1; b < len(sp.Elements); b++ {
			ea, eb := &sp.Elements[a], &sp.Elements[b]
			ratio, err := OverlapRatio(ea.Box, eb.Box)
			if err != nil {
				return nil, fmt.Errorf("%w: slide %s elements %s/%s", err, sl.SlideID, ea.ElementID, eb.ElementID)
			}
			if ratio > 0 {
				sp.Overlaps = append(sp.Overlaps, Overlap{A: ea.ElementID, B: eb.ElementID, Ratio: ratio})
			}
		}
		if !sp.SafeArea.Contains(sp.Elements[a].Box) {
			sp.OutOfBounds = append(sp.OutOfBounds, sp.Elements[a].ElementID)
		}
	}
	return sp, nil
}

func (r *resolution) slot(i int) *Slot {
	if r.slots[i] < 0 {
		return nil
	}
	return &r.preset.Slots[r.slots[i]]
}

func (e *Engine) initElement(el *ir.Element, slot *Slot) PlacedElement {
	pe := PlacedElement{
		ElementID:   el.ElementID,
		Kind:        el.Kind,
		Role:        el.Role,
		AllowShrink: el.AllowShrink(),
	}
	font := e.pkg.DefaultFontPt
	bold := false
	if slot != nil {
		pe.Slot = slot.Name
		pe.Padding = slot.Padding
		pe.OverflowPolicy = slot.OverflowPolicy
		pe.Footer = slot.Footer
		pe.Z = slot.ZBase
		if slot.FontPt > 0 {
			font = slot.FontPt
		}
		bold = slot.Bold
	}
	if el.StyleOverrides != nil && el.StyleOverrides.Bold != nil {
		bold = *el.StyleOverrides.Bold
	}
	if el.Padding != nil {
		pe.Padding = Insets{Top: el.Padding.Top, Right: el.Padding.Right, Bottom: el.Padding.Bottom, Left: el.Padding.Left}
	}
	family := e.pkg.FontFamily
	if family == "" {
		family = DefaultFamily
	}
	pe.Style = ResolvedStyle{
		FontFamily:  el.FontFamily(family),
		FontPt:      el.FontPt(font),
		MinFontPt:   el.MinFontPt(e.pkg.DefaultMinFontPt),
		LineSpacing: el.LineSpacing(DefaultLineSpacing),
		Bold:        bold,
	}
	return pe
}

// usableBottom is the lowest y body content may reach: the top of the
// footer band, or the safe area bottom without one.
func (e *Engine) usableBottom() float64 {
	if e.pkg.FooterBandPt > 0 {
		return e.pkg.FooterBand().Y
	}
	return e.pkg.SafeRect().Bottom()
}

// placeSlot sets the boxes of the elements assigned to slot. A single
// element fills the slot; a stack places elements top-down at their
// required heights, scaling every height down proportionally when the
// stack does not fit. Grow slots first extend toward the usable bottom.
func (e *Engine) placeSlot(ctx context.Context, sl *ir.Slide, sp *SlidePlan, slot *Slot, members []int) error {
	box := slot.BBox
	if !slot.Stack {
		i := members[0]
		pe := &sp.Elements[i]
		pe.Box = box
		if slot.OverflowPolicy == OverflowGrow && pe.AllowShrink && sl.Elements[i].Kind.TextBearing() {
			need, err := e.requiredHeight(ctx, &sl.Elements[i], pe, box.W)
			if err != nil {
				return err
			}
			if need > box.H {
				pe.Box.H = math.Max(box.H, math.Min(need, e.usableBottom()-box.Y))
			}
		}
		return nil
	}

	reqs := make([]float64, len(members))
	var total float64
	growable := false
	for k, i := range members {
		pe := &sp.Elements[i]
		need, err := e.requiredHeight(ctx, &sl.Elements[i], pe, box.W)
		if err != nil {
			return err
		}
		reqs[k] = need
		total += need
		if pe.AllowShrink && sl.Elements[i].Kind.TextBearing() {
			growable = true
		}
	}
	gaps := slot.Gap * float64(len(members)-1)
	avail := box.H - gaps
	if total > avail && slot.OverflowPolicy == OverflowGrow && growable {
		if extra := e.usableBottom() - box.Bottom(); extra > 0 {
			avail += extra
		}
	}
	scale := 1.0
	if total > avail && total > 0 {
		scale = math.Max(avail, 0) / total
	}
	y := box.Y
	for k, i := range members {
		pe := &sp.Elements[i]
		h := reqs[k] * scale
		pe.Box = Rect{X: box.X, Y: y, W: box.W, H: h}
		pe.Z = slot.ZBase + k
		y += h + slot.Gap
	}
	return nil
}

// requiredHeight is the outer height an element needs at width w.
func (e *Engine) requiredHeight(ctx context.Context, el *ir.Element, pe *PlacedElement, w float64) (float64, error) {
	pad := pe.Padding.Top + pe.Padding.Bottom
	if !el.Kind.TextBearing() {
		return intrinsicHeight(el.Kind) + pad, nil
	}
	cw := w - pe.Padding.Left - pe.Padding.Right
	if cw <= 0 {
		return 0, fmt.Errorf("%w: element %s has no content width", ErrZeroArea, el.ElementID)
	}
	tm, err := e.MeasureElement(ctx, el, pe.Style, cw)
	if err != nil {
		return 0, fmt.Errorf("layout: element %s: %w", el.ElementID, err)
	}
	return tm.RequiredHeight + pad, nil
}

func intrinsicHeight(k ir.ElementKind) float64 {
	switch k {
	case ir.KindImage, ir.KindChart:
		return 240
	case ir.KindShape:
		return 60
	case ir.KindDivider:
		return 4
	default:
		return 0
	}
}

// MeasureElement measures a text-bearing element at the given content
// width.
func (e *Engine) MeasureElement(ctx context.Context, el *ir.Element, st ResolvedStyle, width float64) (*TextMetrics, error) {
	switch el.Kind {
	case ir.KindText:
		c, err := el.Text()
		if err != nil {
			return nil, err
		}
		s := c.Text
		if c.Format == "markdown" {
			s = PlainText(s)
		}
		tm, err := e.m.Measure(ctx, s, st.text(), width)
		if err != nil {
			return nil, err
		}
		return &tm, nil
	case ir.KindBullets:
		c, err := el.Bullets()
		if err != nil {
			return nil, err
		}
		return e.measureBullets(ctx, c.Flatten(), st.text(), width)
	case ir.KindTable:
		c, err := el.Table()
		if err != nil {
			return nil, err
		}
		return e.measureTable(ctx, c, st.text(), width)
	default:
		return nil, fmt.Errorf("layout: element %s of kind %s is not measured", el.ElementID, el.Kind)
	}
}

// BulletHeights returns the height each flattened bullet takes, including
// the gap before it. The fixer uses it to decide where to split.
func (e *Engine) BulletHeights(ctx context.Context, items []ir.FlatBullet, st ResolvedStyle, width float64) ([]float64, error) {
	ts := st.text()
	gap := ParagraphGapEm * ts.FontPt
	out := make([]float64, len(items))
	for k, it := range items {
		tm, err := e.m.Measure(ctx, it.Text, ts, bulletWidth(it.Level, ts, width))
		if err != nil {
			return nil, err
		}
		out[k] = tm.RequiredHeight
		if k > 0 {
			out[k] += gap
		}
	}
	return out, nil
}

func bulletWidth(level int, ts TextStyle, width float64) float64 {
	w := width - float64(level)*BulletIndentPt - TextWidth(bulletMarker, ts)
	if w <= 0 {
		return width
	}
	return w
}

func (e *Engine) measureBullets(ctx context.Context, items []ir.FlatBullet, ts TextStyle, width float64) (*TextMetrics, error) {
	out := &TextMetrics{LineHeight: ts.lineHeight()}
	gap := ParagraphGapEm * ts.FontPt
	for k, it := range items {
		tm, err := e.m.Measure(ctx, it.Text, ts, bulletWidth(it.Level, ts, width))
		if err != nil {
			return nil, err
		}
		for n, l := range tm.Lines {
			if n == 0 {
				l = bulletMarker + l
			}
			out.Lines = append(out.Lines, l)
		}
		out.LineCount += tm.LineCount
		out.RequiredHeight += tm.RequiredHeight
		if k > 0 {
			out.RequiredHeight += gap
		}
		indent := float64(it.Level)*BulletIndentPt + TextWidth(bulletMarker, ts)
		out.MaxLineWidth = math.Max(out.MaxLineWidth, tm.MaxLineWidth+indent)
	}
	return out, nil
}

// TableRowHeights returns the header height followed by each row height.
func (e *Engine) TableRowHeights(ctx context.Context, c *ir.TableContent, st ResolvedStyle, width float64) ([]float64, error) {
	return e.tableRows(ctx, c, st.text(), width)
}

func (e *Engine) tableRows(ctx context.Context, c *ir.TableContent, ts TextStyle, width float64) ([]float64, error) {
	cols := len(c.Columns)
	if cols == 0 {
		return nil, nil
	}
	cellW := width/float64(cols) - 2*CellPaddingPt
	if cellW <= 0 {
		return nil, fmt.Errorf("%w: table columns too narrow", ErrZeroArea)
	}
	rowHeight := func(cells []string, style TextStyle) (float64, error) {
		var h float64
		for _, cell := range cells {
			tm, err := e.m.Measure(ctx, cell, style, cellW)
			if err != nil {
				return 0, err
			}
			h = math.Max(h, tm.RequiredHeight)
		}
		return h + 2*CellPaddingPt, nil
	}
	header := ts
	header.Bold = true
	heights := make([]float64, 0, len(c.Rows)+1)
	h, err := rowHeight(c.Columns, header)
	if err != nil {
		return nil, err
	}
	heights = append(heights, h)
	for _, row := range c.Rows {
		cells := make([]string, len(row))
		for k, v := range row {
			cells[k] = ir.CellText(v)
		}
		h, err := rowHeight(cells, ts)
		if err != nil {
			return nil, err
		}
		heights = append(heights, h)
	}
	return heights, nil
}

func (e *Engine) measureTable(ctx context.Context, c *ir.TableContent, ts TextStyle, width float64) (*TextMetrics, error) {
	out := &TextMetrics{LineHeight: ts.lineHeight(), MaxLineWidth: width}
	if c.Title != "" {
		tm, err := e.m.Measure(ctx, c.Title, ts, width)
		if err != nil {
			return nil, err
		}
		out.Lines = append(out.Lines, tm.Lines...)
		out.LineCount += tm.LineCount
		out.RequiredHeight += tm.RequiredHeight
	}
	heights, err := e.tableRows(ctx, c, ts, width)
	if err != nil {
		return nil, err
	}
	for _, h := range heights {
		out.RequiredHeight += h
		out.LineCount++
	}
	return out, nil
}
