package layout

import (
	"errors"
	"fmt"

	"github.com/petrijr/deckflow/pkg/ir"
)

// ErrSlotUnmatched is returned when no slot of a preset or its fallbacks
// accepts an element.
var ErrSlotUnmatched = errors.New("layout: no slot accepts element")

// SlotUnmatchedError names the element that could not be placed.
type SlotUnmatchedError struct {
	SlideID   string
	ElementID string
	PresetID  string
}

func (e *SlotUnmatchedError) Error() string {
	return fmt.Sprintf("layout: slide %s: no slot in preset %s accepts element %s", e.SlideID, e.PresetID, e.ElementID)
}

func (e *SlotUnmatchedError) Unwrap() error { return ErrSlotUnmatched }

// resolution maps element indexes to slot indexes within one preset.
// Pinned elements that match no slot map to -1.
type resolution struct {
	preset *Preset
	slots  []int
}

// resolve assigns the slide's elements to slots of the requested preset,
// walking the fallback chain when some element does not fit.
func (p *PresetPackage) resolve(presetID string, sl *ir.Slide) (*resolution, error) {
	var firstErr error
	seen := make(map[string]bool)
	for id := presetID; id != "" && !seen[id]; {
		seen[id] = true
		pr, err := p.Preset(id)
		if err != nil {
			if firstErr == nil {
				return nil, err
			}
			break
		}
		slots, err := assignSlots(pr, sl)
		if err == nil {
			return &resolution{preset: pr, slots: slots}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		id = pr.Fallback
	}
	return nil, firstErr
}

// assignSlots matches elements by role first, then by kind. A non-stack
// slot holds one element; element order breaks ties.
func assignSlots(pr *Preset, sl *ir.Slide) ([]int, error) {
	out := make([]int, len(sl.Elements))
	used := make([]int, len(pr.Slots))
	free := func(i int) bool { return pr.Slots[i].Stack || used[i] == 0 }

	pending := make([]int, 0, len(sl.Elements))
	for i := range sl.Elements {
		out[i] = -1
		el := &sl.Elements[i]
		for j := range pr.Slots {
			s := &pr.Slots[j]
			if s.Accept.role(el.Role) && (len(s.Accept.Kinds) == 0 || s.Accept.kind(el.Kind)) && free(j) {
				out[i] = j
				used[j]++
				break
			}
		}
		if out[i] < 0 {
			pending = append(pending, i)
		}
	}
	for _, i := range pending {
		el := &sl.Elements[i]
		for j := range pr.Slots {
			s := &pr.Slots[j]
			if s.Footer || !s.Accept.kind(el.Kind) || !free(j) {
				continue
			}
			out[i] = j
			used[j]++
			break
		}
		if out[i] < 0 && el.Frame == nil {
			return nil, &SlotUnmatchedError{SlideID: sl.SlideID, ElementID: el.ElementID, PresetID: pr.ID}
		}
	}
	return out, nil
}
