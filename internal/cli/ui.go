package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/fix"
	"github.com/petrijr/deckflow/pkg/qc"
)

var (
	colorCyan   = lipgloss.Color("36")
	colorGreen  = lipgloss.Color("35")
	colorYellow = lipgloss.Color("220")
	colorRed    = lipgloss.Color("167")
	colorGray   = lipgloss.Color("245")
	colorDim    = lipgloss.Color("240")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleNumber  = lipgloss.NewStyle().Foreground(colorCyan)
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleWarning = lipgloss.NewStyle().Foreground(colorYellow)
	styleError   = lipgloss.NewStyle().Foreground(colorRed)
	styleInfo    = lipgloss.NewStyle().Foreground(colorGray)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "!"
	iconInfo    = "›"
	iconArrow   = "→"
)

func severityStyle(s qc.Severity) lipgloss.Style {
	switch s {
	case qc.SeverityHigh:
		return styleError
	case qc.SeverityMedium:
		return styleWarning
	default:
		return styleInfo
	}
}

// renderReport prints a quality report, one line per issue.
func renderReport(w io.Writer, title string, r *qc.Report) {
	fmt.Fprintln(w, styleTitle.Render(title))
	if r.Pass && len(r.Issues) == 0 {
		fmt.Fprintf(w, "  %s no issues\n", styleSuccess.Render(iconSuccess))
		return
	}
	status := styleSuccess.Render(iconSuccess + " pass")
	if !r.Pass {
		status = styleError.Render(iconError + " fail")
	}
	fmt.Fprintf(w, "  %s  %s issues (%s high, %s medium, %s low)\n", status,
		styleNumber.Render(fmt.Sprint(r.Counts.Total)),
		styleNumber.Render(fmt.Sprint(r.Counts.High)),
		styleNumber.Render(fmt.Sprint(r.Counts.Medium)),
		styleNumber.Render(fmt.Sprint(r.Counts.Low)),
	)
	for _, is := range r.Issues {
		loc := is.SlideID
		if is.ElementID != "" {
			loc += "/" + is.ElementID
		}
		fmt.Fprintf(w, "  %s %-16s %s %s\n",
			severityStyle(is.Severity).Render(iconWarning),
			string(is.Type),
			loc,
			styleDim.Render(issueDetail(is)),
		)
	}
}

func issueDetail(is qc.Issue) string {
	d := is.Details
	switch {
	case d.Other != "":
		return "with " + d.Other
	case d.MinFontPt > 0:
		return fmt.Sprintf("%.1fpt < %.1fpt", d.FontPt, d.MinFontPt)
	case d.Required > 0:
		return fmt.Sprintf("needs %.0fpt of %.0fpt", d.Required, d.Available)
	case d.Excess > 0:
		return fmt.Sprintf("%.0fpt outside", d.Excess)
	}
	return ""
}

// renderLoop prints the outcome of a local fix loop.
func renderLoop(w io.Writer, res *fix.LoopResult) {
	renderReport(w, "Initial check", res.Initial)
	for _, p := range res.Patches {
		ops := p.Operations()
		fmt.Fprintf(w, "%s iteration %s: %s operations, %s resolved, %s unresolved\n",
			styleInfo.Render(iconInfo),
			styleNumber.Render(fmt.Sprint(p.Iteration)),
			styleNumber.Render(fmt.Sprint(len(ops))),
			styleNumber.Render(fmt.Sprint(len(p.Resolved))),
			styleNumber.Render(fmt.Sprint(len(p.Unresolved))),
		)
		for _, a := range p.Applied {
			fmt.Fprintf(w, "    %s %s %s\n", styleDim.Render(iconArrow), a.SlideID, a.Technique)
		}
	}
	if len(res.Patches) > 0 {
		renderReport(w, "Final check", res.Final)
	}
	if res.NeedsHumanEdit {
		fmt.Fprintln(w, styleWarning.Render(iconWarning+" deck needs a human edit"))
	}
}

// renderEvent prints one run event on a single line.
func renderEvent(w io.Writer, ev api.RunEvent) {
	kind := fmt.Sprintf("%-12s", ev.Type)
	switch ev.Type {
	case api.EventError:
		kind = styleError.Render(kind)
	case api.EventProgress:
		kind = styleSuccess.Render(kind)
	default:
		kind = styleInfo.Render(kind)
	}
	fmt.Fprintf(w, "%s %s %s\n", styleDim.Render(fmt.Sprintf("%6d", ev.Seq)), kind, strings.TrimSpace(string(ev.Payload)))
}
