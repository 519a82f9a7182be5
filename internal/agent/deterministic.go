package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

const (
	defaultSlideCount = 5
	maxBulletChars    = 90
	maxBulletsPerPage = 5
)

// Deterministic implements every agent with fixed text rules. The same
// input always produces the same document.
type Deterministic struct{}

func NewDeterministic() *Deterministic { return &Deterministic{} }

var (
	_ Drafter     = (*Deterministic)(nil)
	_ Repairer    = (*Deterministic)(nil)
	_ Regenerator = (*Deterministic)(nil)
	_ Summarizer  = (*Deterministic)(nil)
)

// Draft builds a title slide, content slides carrying the prompt's
// sentences as bullets, and a closing slide.
func (d *Deterministic) Draft(ctx context.Context, req DraftRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sentences := splitSentences(req.Prompt)
	if len(sentences) == 0 {
		return nil, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "draft: empty prompt")
	}
	n := req.SlideCount
	if n <= 0 {
		n = defaultSlideCount
	}
	n = max(n, 3)

	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	title := truncateWords(sentences[0], 80)
	spec := &ir.SlideSpec{
		SchemaVersion: ir.SchemaVersion,
		Deck: ir.DeckMeta{
			Title:    title,
			Language: lang,
			Audience: req.Audience,
			Tone:     req.Tone,
		},
	}

	subtitle := "Overview"
	if req.Audience != "" {
		subtitle = "For " + req.Audience
	}
	spec.Slides = append(spec.Slides, ir.Slide{
		SlideID: "s1",
		Type:    ir.SlideTitle,
		Title:   title,
		Elements: []ir.Element{
			textElement("s1-title", "title", title),
			textElement("s1-subtitle", "subtitle", subtitle),
		},
	})

	body := sentences
	if len(body) > 1 {
		body = body[1:]
	}
	content := n - 2
	for i := range content {
		id := fmt.Sprintf("s%d", i+2)
		var items []string
		for j := i; j < len(body); j += content {
			items = append(items, truncateWords(body[j], maxBulletChars))
		}
		if len(items) == 0 {
			items = []string{truncateWords(body[i%len(body)], maxBulletChars)}
		}
		heading := truncateWords(items[0], 48)
		spec.Slides = append(spec.Slides, ir.Slide{
			SlideID: id,
			Type:    ir.SlideContent,
			Title:   heading,
			Elements: []ir.Element{
				textElement(id+"-title", "title", heading),
				bulletsElement(id+"-body", "body", items),
			},
		})
	}

	closing := fmt.Sprintf("s%d", n)
	spec.Slides = append(spec.Slides, ir.Slide{
		SlideID: closing,
		Type:    ir.SlideClosing,
		Title:   "Thank you",
		Elements: []ir.Element{
			textElement(closing+"-title", "title", "Thank you"),
			textElement(closing+"-subtitle", "subtitle", "Questions?"),
		},
	})
	return ir.Marshal(spec)
}

// Repair applies ir.Repair and then drops the elements whose content
// still fails validation. A document left without slides gets a single
// placeholder slide.
func (d *Deterministic) Repair(ctx context.Context, doc json.RawMessage, _ []string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fixed, _, err := ir.Repair(doc)
	if err != nil {
		return nil, api.WrapError(api.CodeIRValidationFailed, api.ClassFatal, err, "repair: document is not a slidespec")
	}
	var spec ir.SlideSpec
	if err := json.Unmarshal(fixed, &spec); err != nil {
		return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "repair: decode")
	}

	var verr *ir.ValidationError
	if err := ir.Validate(&spec); errors.As(err, &verr) {
		drop := make(map[[2]int]bool)
		for _, p := range verr.Problems {
			var si, ei int
			if n, _ := fmt.Sscanf(p.Path, "$.slides[%d].elements[%d]", &si, &ei); n == 2 {
				drop[[2]int{si, ei}] = true
			}
		}
		for si := range spec.Slides {
			sl := &spec.Slides[si]
			kept := sl.Elements[:0]
			for ei, el := range sl.Elements {
				if !drop[[2]int{si, ei}] {
					kept = append(kept, el)
				}
			}
			sl.Elements = kept
		}
	}
	if len(spec.Slides) == 0 {
		spec.Slides = []ir.Slide{{
			SlideID:  "s1",
			Type:     ir.SlideTitle,
			Title:    spec.Deck.Title,
			Elements: []ir.Element{textElement("s1-title", "title", spec.Deck.Title)},
		}}
	}
	return ir.Marshal(&spec)
}

// Regenerate tightens the named slides: bullets are shortened and capped
// and the instructions are recorded in the speaker notes. Ids never change.
func (d *Deterministic) Regenerate(ctx context.Context, doc json.RawMessage, slideIDs []string, instructions string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var spec ir.SlideSpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, api.ValidationError(err, "regenerate: decode document")
	}
	for _, id := range slideIDs {
		sl := spec.Slide(id)
		if sl == nil {
			return nil, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "regenerate: unknown slide %q", id)
		}
		for i := range sl.Elements {
			el := &sl.Elements[i]
			if el.Kind != ir.KindBullets {
				continue
			}
			bc, err := el.Bullets()
			if err != nil {
				return nil, api.ValidationError(err, "regenerate: slide %s element %s", id, el.ElementID)
			}
			if len(bc.Items) > maxBulletsPerPage {
				bc.Items = bc.Items[:maxBulletsPerPage]
			}
			for j := range bc.Items {
				bc.Items[j].Text = truncateWords(bc.Items[j].Text, maxBulletChars)
			}
			if err := el.SetContent(bc); err != nil {
				return nil, err
			}
		}
		if instructions != "" {
			sl.SpeakerNotes = strings.TrimSpace("Revised: " + instructions)
		}
	}
	return ir.Marshal(&spec)
}

// Summarize keeps whole words up to maxChars, ending with an ellipsis when
// anything was cut.
func (d *Deterministic) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return truncateWords(text, maxChars), nil
}

func textElement(id, role, text string) ir.Element {
	raw, _ := json.Marshal(ir.TextContent{Text: text})
	return ir.Element{ElementID: id, Kind: ir.KindText, Role: role, Content: raw}
}

func bulletsElement(id, role string, items []string) ir.Element {
	bc := ir.BulletsContent{}
	for _, it := range items {
		bc.Items = append(bc.Items, ir.BulletItem{Text: it})
	}
	raw, _ := json.Marshal(bc)
	return ir.Element{ElementID: id, Kind: ir.KindBullets, Role: role, Content: raw}
}

func splitSentences(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';'
	}) {
		if p := strings.Join(strings.Fields(part), " "); p != "" {
			out = append(out, p)
		}
	}
	return slices.Clip(out)
}

// truncateWords shortens s to at most limit runes on a word boundary.
func truncateWords(s string, limit int) string {
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	cut := limit - 1
	for i := cut; i > 0; i-- {
		if unicode.IsSpace(rs[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(rs[:cut]), unicode.IsSpace) + "…"
}
