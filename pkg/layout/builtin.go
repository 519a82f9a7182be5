package layout

import "github.com/petrijr/deckflow/pkg/ir"

// Package defaults. The slide is 13.333in x 7.5in.
const (
	DefaultSlideW    = 960.0
	DefaultSlideH    = 540.0
	DefaultMarginPt  = 36.0
	DefaultFooterPt  = 28.0
	DefaultFontPt    = 18.0
	DefaultMinFontPt = 10.0
	DefaultStackGap  = 12.0
	DefaultFamily    = "Calibri"
)

// Built-in preset ids.
const (
	PresetTitleCenter   = "title_center"
	PresetSectionHeader = "section_header"
	PresetOneColumn     = "one_column"
	PresetTwoColumn     = "two_column"
	PresetChartFocus    = "chart_focus"
	PresetTableFocus    = "table_focus"
	PresetQuoteCenter   = "quote_center"
	PresetClosing       = "closing"
)

func defaultTypePresets() map[string]string {
	return map[string]string{
		string(ir.SlideTitle):    PresetTitleCenter,
		string(ir.SlideSection):  PresetSectionHeader,
		string(ir.SlideContent):  PresetOneColumn,
		string(ir.SlideClosing):  PresetClosing,
		string(ir.SlideAppendix): PresetOneColumn,
	}
}

var (
	allKinds  = []ir.ElementKind{ir.KindText, ir.KindBullets, ir.KindTable, ir.KindChart, ir.KindImage, ir.KindShape, ir.KindDivider}
	textKinds = []ir.ElementKind{ir.KindText}
	bodyRoles = []string{"body", "left", "right", "subtitle", "quote", "caption", "attribution", "chart", "table", "visual"}
)

// Builtin returns a fresh copy of the built-in preset package. Boxes follow
// a 0.5in grid inside 0.5in margins, with a 28pt footer band.
func Builtin() *PresetPackage {
	footer := Slot{
		Name:           "footer",
		BBox:           Rect{X: 36, Y: 476, W: 888, H: DefaultFooterPt},
		Padding:        Insets{Top: 2, Bottom: 2},
		Accept:         Accept{Roles: []string{"footer", "citation", "source"}, Kinds: textKinds},
		OverflowPolicy: OverflowShrink,
		ZBase:          90,
		FontPt:         10,
		Stack:          true,
		Gap:            2,
		Footer:         true,
	}
	title := Slot{
		Name:           "title",
		BBox:           Rect{X: 36, Y: 36, W: 888, H: 58},
		Padding:        Uniform(4),
		Accept:         Accept{Roles: []string{"title"}, Kinds: textKinds},
		OverflowPolicy: OverflowShrink,
		ZBase:          20,
		FontPt:         28,
		Bold:           true,
	}
	body := Slot{
		Name:           "body",
		BBox:           Rect{X: 36, Y: 101, W: 888, H: 367},
		Padding:        Uniform(6),
		Accept:         Accept{Roles: bodyRoles, Kinds: allKinds},
		OverflowPolicy: OverflowShrink,
		ZBase:          10,
		FontPt:         18,
		Stack:          true,
		Gap:            DefaultStackGap,
	}

	p := &PresetPackage{
		ID:               "builtin",
		Version:          "1",
		Slide:            SlideSize{W: DefaultSlideW, H: DefaultSlideH},
		SafeArea:         Uniform(DefaultMarginPt),
		FooterBandPt:     DefaultFooterPt,
		DefaultFontPt:    DefaultFontPt,
		DefaultMinFontPt: DefaultMinFontPt,
		FontFamily:       DefaultFamily,
		TypeDefaults:     defaultTypePresets(),
		Presets: []Preset{
			{
				ID:               PresetTitleCenter,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					{
						Name: "title", BBox: Rect{X: 72, Y: 180, W: 816, H: 108}, Padding: Uniform(6),
						Accept:         Accept{Roles: []string{"title"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 20, FontPt: 48, Bold: true,
					},
					{
						Name: "subtitle", BBox: Rect{X: 108, Y: 302, W: 744, H: 72}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"subtitle", "body"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 10, FontPt: 24, Stack: true, Gap: 6,
					},
					footer,
				},
			},
			{
				ID:               PresetSectionHeader,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					{
						Name: "title", BBox: Rect{X: 94, Y: 202, W: 720, H: 86}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"title"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 20, FontPt: 42, Bold: true,
					},
					{
						Name: "subtitle", BBox: Rect{X: 94, Y: 302, W: 720, H: 58}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"subtitle", "body"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 10, FontPt: 20,
					},
					{
						Name: "accent", BBox: Rect{X: 72, Y: 202, W: 7, H: 108},
						Accept:         Accept{Roles: []string{"accent"}, Kinds: []ir.ElementKind{ir.KindShape, ir.KindDivider}},
						OverflowPolicy: OverflowShrink, ZBase: 5,
					},
					footer,
				},
			},
			{
				ID:               PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots:            []Slot{title, body, footer},
			},
			{
				ID:               PresetTwoColumn,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					title,
					withAccept(withBox(body, "left", Rect{X: 36, Y: 101, W: 432, H: 367}),
						[]string{"left", "body", "subtitle", "caption"}),
					withAccept(withBox(body, "right", Rect{X: 492, Y: 101, W: 432, H: 367}),
						[]string{"right", "chart", "table", "visual", "quote"}),
					footer,
				},
			},
			{
				ID:               PresetChartFocus,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					title,
					{
						Name: "visual", BBox: Rect{X: 36, Y: 101, W: 888, H: 288},
						Accept:         Accept{Roles: []string{"chart", "visual"}, Kinds: []ir.ElementKind{ir.KindChart, ir.KindImage}},
						OverflowPolicy: OverflowShrink, ZBase: 10,
					},
					{
						Name: "caption", BBox: Rect{X: 36, Y: 397, W: 888, H: 71}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"caption", "body"}, Kinds: []ir.ElementKind{ir.KindText, ir.KindBullets}},
						OverflowPolicy: OverflowGrow, ZBase: 10, FontPt: 16, Stack: true, Gap: 6,
					},
					footer,
				},
			},
			{
				ID:               PresetTableFocus,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					title,
					{
						Name: "table", BBox: Rect{X: 36, Y: 101, W: 888, H: 367}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"table"}, Kinds: []ir.ElementKind{ir.KindTable}},
						OverflowPolicy: OverflowSplit, ZBase: 10, FontPt: 14,
					},
					footer,
				},
			},
			{
				ID:               PresetQuoteCenter,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					{
						Name: "quote", BBox: Rect{X: 108, Y: 180, W: 744, H: 144}, Padding: Uniform(8),
						Accept:         Accept{Roles: []string{"quote", "body"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 10, FontPt: 28,
					},
					{
						Name: "attribution", BBox: Rect{X: 108, Y: 338, W: 744, H: 43}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"attribution", "caption", "subtitle"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 10, FontPt: 16,
					},
					footer,
				},
			},
			{
				ID:               PresetClosing,
				Fallback:         PresetOneColumn,
				SpacingTolerance: 0.5,
				Slots: []Slot{
					{
						Name: "title", BBox: Rect{X: 108, Y: 180, W: 744, H: 144}, Padding: Uniform(6),
						Accept:         Accept{Roles: []string{"title"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 20, FontPt: 28, Bold: true,
					},
					{
						Name: "subtitle", BBox: Rect{X: 108, Y: 346, W: 744, H: 43}, Padding: Uniform(4),
						Accept:         Accept{Roles: []string{"subtitle", "body"}, Kinds: textKinds},
						OverflowPolicy: OverflowShrink, ZBase: 10, FontPt: 16,
					},
					footer,
				},
			},
		},
	}
	return p
}

func withBox(s Slot, name string, box Rect) Slot {
	s.Name = name
	s.BBox = box
	return s
}

func withAccept(s Slot, roles []string) Slot {
	s.Accept = Accept{Roles: roles, Kinds: s.Accept.Kinds}
	return s
}
