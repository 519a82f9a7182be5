package fix

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/deckflow/pkg/ir"
	"github.com/petrijr/deckflow/pkg/layout"
	"github.com/petrijr/deckflow/pkg/qc"
)

// proposeSplit moves the bullets or table rows that do not fit onto a new
// continuation slide inserted after the slide.
func proposeSplit(ctx context.Context, f *Fixer, st *slideState) [][]Operation {
	for _, is := range st.issues {
		if is.Type != qc.IssueOverflow || is.SlideID != st.slide.SlideID {
			continue
		}
		pe := st.plan.Element(is.ElementID)
		if pe == nil || pe.Pinned || pe.Footer {
			continue
		}
		el := st.spec.Element(st.slide.SlideID, pe.ElementID)
		if el == nil {
			continue
		}
		var keep, rest any
		var ok bool
		switch el.Kind {
		case ir.KindBullets:
			keep, rest, ok = splitBullets(ctx, f.layout, el, pe)
		case ir.KindTable:
			keep, rest, ok = splitTable(ctx, f.layout, el, pe)
		}
		if !ok {
			continue
		}
		ops, err := continuation(st, el, keep, rest)
		if err != nil {
			f.logger.WarnContext(ctx, "fix_split_failed",
				slog.String("slide_id", st.slide.SlideID),
				slog.String("element_id", el.ElementID),
				slog.String("error", err.Error()),
			)
			continue
		}
		return [][]Operation{ops}
	}
	return nil
}

// splitBullets keeps the leading top-level items, with their children, that
// fit the content box.
func splitBullets(ctx context.Context, le *layout.Engine, el *ir.Element, pe *layout.PlacedElement) (any, any, bool) {
	c, err := el.Bullets()
	if err != nil || len(c.Items) < 2 {
		return nil, nil, false
	}
	flat := c.Flatten()
	heights, err := le.BulletHeights(ctx, flat, pe.Style, pe.ContentBox.W)
	if err != nil {
		return nil, nil, false
	}

	// Sum the flattened heights per top-level item.
	groups := make([]float64, 0, len(c.Items))
	for k, fb := range flat {
		if fb.Level == 0 {
			groups = append(groups, 0)
		}
		groups[len(groups)-1] += heights[k]
	}

	n, used := 0, 0.0
	for _, h := range groups {
		if used+h > pe.ContentBox.H {
			break
		}
		used += h
		n++
	}
	if n == 0 || n >= len(c.Items) {
		return nil, nil, false
	}
	return ir.BulletsContent{Items: c.Items[:n]}, ir.BulletsContent{Items: c.Items[n:]}, true
}

// splitTable keeps the header and the leading rows that fit; the remainder
// repeats the header.
func splitTable(ctx context.Context, le *layout.Engine, el *ir.Element, pe *layout.PlacedElement) (any, any, bool) {
	c, err := el.Table()
	if err != nil || len(c.Rows) < 2 || pe.Metrics == nil {
		return nil, nil, false
	}
	heights, err := le.TableRowHeights(ctx, c, pe.Style, pe.ContentBox.W)
	if err != nil || len(heights) != len(c.Rows)+1 {
		return nil, nil, false
	}
	var rows float64
	for _, h := range heights {
		rows += h
	}
	used := pe.Metrics.RequiredHeight - rows + heights[0]
	n := 0
	for _, h := range heights[1:] {
		if used+h > pe.ContentBox.H {
			break
		}
		used += h
		n++
	}
	if n == 0 || n >= len(c.Rows) {
		return nil, nil, false
	}
	keep, rest := *c, *c
	keep.Rows = c.Rows[:n]
	rest.Rows = c.Rows[n:]
	return keep, rest, true
}

// continuation builds the operations that trim el to keep and insert a
// continuation slide holding rest. Title elements are repeated on the new
// slide.
func continuation(st *slideState, el *ir.Element, keep, rest any) ([]Operation, error) {
	sl := st.slide
	root := sl.ContinuationOf
	if root == "" {
		root = sl.SlideID
	}
	n := 1
	for st.spec.SlideIndex(fmt.Sprintf("%s-cont-%d", root, n)) >= 0 {
		n++
	}
	suffix := fmt.Sprintf("-cont-%d", n)

	trimmed := *el
	if err := trimmed.SetContent(keep); err != nil {
		return nil, err
	}
	moved := *el
	moved.ElementID = el.ElementID + suffix
	if err := moved.SetContent(rest); err != nil {
		return nil, err
	}

	next := ir.Slide{
		SlideID:        root + suffix,
		Type:           sl.Type,
		Title:          sl.Title,
		ContinuationOf: root,
	}
	if sl.Layout != nil {
		l := *sl.Layout
		next.Layout = &l
	}
	if sl.Style != nil {
		s := *sl.Style
		next.Style = &s
	}
	for _, other := range sl.Elements {
		if other.Role == "title" && other.ElementID != el.ElementID {
			other.ElementID += suffix
			next.Elements = append(next.Elements, other)
		}
	}
	next.Elements = append(next.Elements, moved)

	return []Operation{
		{Op: OpSetContent, SlideID: sl.SlideID, ElementID: el.ElementID, Content: trimmed.Content},
		{Op: OpInsertSlide, SlideID: sl.SlideID, Slide: &next},
	}, nil
}
