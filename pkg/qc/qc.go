// Package qc inspects a layout plan and reports quality issues: text that
// overflows its box, overlapping boxes, boxes outside the safe area, fonts
// below their minimum and footer content that does not fit the footer
// band. The thresholds are fixed so reports are comparable across runs.
package qc

import (
	"sort"

	"github.com/petrijr/deckflow/pkg/layout"
)

// OverlapThreshold is the smallest overlap ratio reported.
const OverlapThreshold = 0.02

type IssueType string

const (
	IssueOverflow       IssueType = "overflow"
	IssueOverlap        IssueType = "overlap"
	IssueOutOfBounds    IssueType = "out_of_bounds"
	IssueMinFont        IssueType = "min_font"
	IssueFooterOverflow IssueType = "footer_overflow"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Details carries the measurements behind an issue.
type Details struct {
	Other     string       `json:"other,omitempty"`
	Ratio     float64      `json:"ratio,omitempty"`
	Required  float64      `json:"required,omitempty"`
	Available float64      `json:"available,omitempty"`
	Excess    float64      `json:"excess,omitempty"`
	FontPt    float64      `json:"font_pt,omitempty"`
	MinFontPt float64      `json:"min_font_pt,omitempty"`
	Box       *layout.Rect `json:"box,omitempty"`
}

// Issue is one quality problem.
type Issue struct {
	Type      IssueType `json:"type"`
	SlideID   string    `json:"slide_id"`
	ElementID string    `json:"element_id,omitempty"`
	Severity  Severity  `json:"severity"`
	Details   Details   `json:"details"`

	slide   int
	element int
}

// Counts tallies issues by severity.
type Counts struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Report is the outcome of a check.
type Report struct {
	Pass   bool    `json:"pass"`
	Issues []Issue `json:"issues"`
	Counts Counts  `json:"counts"`
}

// ForSlide returns the issues reported for one slide.
func (r *Report) ForSlide(slideID string) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.SlideID == slideID {
			out = append(out, is)
		}
	}
	return out
}

// Slides returns the ids of slides with issues, in report order without
// duplicates.
func (r *Report) Slides() []string {
	seen := make(map[string]bool)
	var out []string
	for _, is := range r.Issues {
		if !seen[is.SlideID] {
			seen[is.SlideID] = true
			out = append(out, is.SlideID)
		}
	}
	return out
}

// Check inspects every slide of plan.
func Check(plan *layout.DeckPlan) *Report {
	var issues []Issue
	for i := range plan.Slides {
		issues = append(issues, checkSlide(&plan.Slides[i], i)...)
	}
	return newReport(issues)
}

// CheckSlide inspects a single slide.
func CheckSlide(sp *layout.SlidePlan) *Report {
	return newReport(checkSlide(sp, sp.Index))
}

func newReport(issues []Issue) *Report {
	sort.SliceStable(issues, func(a, b int) bool {
		x, y := issues[a], issues[b]
		if x.Severity.rank() != y.Severity.rank() {
			return x.Severity.rank() > y.Severity.rank()
		}
		if x.slide != y.slide {
			return x.slide < y.slide
		}
		if x.element != y.element {
			return x.element < y.element
		}
		if x.Type != y.Type {
			return x.Type < y.Type
		}
		return x.Details.Other < y.Details.Other
	})
	r := &Report{Pass: len(issues) == 0, Issues: issues}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	for _, is := range issues {
		r.Counts.Total++
		switch is.Severity {
		case SeverityHigh:
			r.Counts.High++
		case SeverityMedium:
			r.Counts.Medium++
		case SeverityLow:
			r.Counts.Low++
		}
	}
	return r
}

func checkSlide(sp *layout.SlidePlan, slideIdx int) []Issue {
	var issues []Issue
	index := make(map[string]int, len(sp.Elements))
	for i := range sp.Elements {
		index[sp.Elements[i].ElementID] = i
	}
	add := func(t IssueType, elementID string, sev Severity, d Details) {
		issues = append(issues, Issue{
			Type: t, SlideID: sp.SlideID, ElementID: elementID, Severity: sev, Details: d,
			slide: slideIdx, element: index[elementID],
		})
	}

	for i := range sp.Elements {
		pe := &sp.Elements[i]
		if pe.Footer {
			if pe.Overflows() || !sp.FooterBand.Contains(pe.Box) {
				d := Details{Available: sp.FooterBand.H}
				if pe.Metrics != nil {
					d.Required = pe.Metrics.RequiredHeight
				}
				add(IssueFooterOverflow, pe.ElementID, SeverityMedium, d)
			}
		} else if pe.Overflows() {
			excess := 1.0
			if pe.ContentBox.H > 0 {
				excess = pe.Overflow / pe.ContentBox.H
			}
			add(IssueOverflow, pe.ElementID, overflowSeverity(excess), Details{
				Required:  pe.Metrics.RequiredHeight,
				Available: pe.ContentBox.H,
				Excess:    excess,
			})
		}
		if pe.Metrics != nil && pe.Style.FontPt < pe.Style.MinFontPt {
			add(IssueMinFont, pe.ElementID, SeverityHigh, Details{FontPt: pe.Style.FontPt, MinFontPt: pe.Style.MinFontPt})
		}
	}

	for _, id := range sp.OutOfBounds {
		pe := sp.Element(id)
		if pe == nil {
			continue
		}
		sev := SeverityMedium
		if !pe.Box.Overlaps(sp.SafeArea) {
			sev = SeverityHigh
		}
		box := pe.Box
		add(IssueOutOfBounds, id, sev, Details{Box: &box})
	}

	for _, ov := range sp.Overlaps {
		if ov.Ratio < OverlapThreshold {
			continue
		}
		add(IssueOverlap, ov.A, overlapSeverity(ov.Ratio), Details{Other: ov.B, Ratio: ov.Ratio})
	}
	return issues
}

func overlapSeverity(ratio float64) Severity {
	switch {
	case ratio < 0.05:
		return SeverityLow
	case ratio < 0.25:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

func overflowSeverity(excess float64) Severity {
	switch {
	case excess <= 0.10:
		return SeverityLow
	case excess <= 0.50:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}
