package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type TextContent struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"` // plain | markdown
}

// BulletItem is a bullet with optional nested children. On the wire a
// childless item may be a bare string.
type BulletItem struct {
	Text     string       `json:"text"`
	Children []BulletItem `json:"children,omitempty"`
}

func (b *BulletItem) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &b.Text)
	}
	type plain BulletItem
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*b = BulletItem(p)
	return nil
}

func (b BulletItem) MarshalJSON() ([]byte, error) {
	if len(b.Children) == 0 {
		return json.Marshal(b.Text)
	}
	type plain BulletItem
	return json.Marshal(plain(b))
}

type BulletsContent struct {
	Items []BulletItem `json:"items"`
}

// Flatten returns the item texts depth-first with their nesting level.
func (c BulletsContent) Flatten() []FlatBullet {
	var out []FlatBullet
	var walk func(items []BulletItem, level int)
	walk = func(items []BulletItem, level int) {
		for _, it := range items {
			out = append(out, FlatBullet{Text: it.Text, Level: level})
			walk(it.Children, level+1)
		}
	}
	walk(c.Items, 0)
	return out
}

type FlatBullet struct {
	Text  string
	Level int
}

type ImageContent struct {
	AssetID  string `json:"asset_id,omitempty"`
	URL      string `json:"url,omitempty"`
	AltText  string `json:"alt_text,omitempty"`
	Caption  string `json:"caption,omitempty"`
	CropHint string `json:"crop_hint,omitempty"`
}

type ChartPoint struct {
	X any     `json:"x"`
	Y float64 `json:"y"`
}

type ChartSeries struct {
	Name string       `json:"name"`
	Data []ChartPoint `json:"data"`
}

type ChartContent struct {
	ChartType string         `json:"chart_type"`
	Title     string         `json:"title,omitempty"`
	XLabel    string         `json:"x_label,omitempty"`
	YLabel    string         `json:"y_label,omitempty"`
	Series    []ChartSeries  `json:"series"`
	Options   map[string]any `json:"options,omitempty"`
}

type TableContent struct {
	Title   string         `json:"title,omitempty"`
	Columns []string       `json:"columns"`
	Rows    [][]any        `json:"rows"`
	Options map[string]any `json:"options,omitempty"`
}

// CellText renders a table cell for measurement.
func CellText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

type ShapeContent struct {
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
	Fill  string `json:"fill,omitempty"`
}

type DividerContent struct {
	Orientation string `json:"orientation,omitempty"`
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after content")
	}
	return nil
}

// DecodeContent decodes the element content strictly according to its kind.
func (e *Element) DecodeContent() (any, error) {
	if len(e.Content) == 0 {
		return nil, fmt.Errorf("element %s: content is required", e.ElementID)
	}
	var v any
	switch e.Kind {
	case KindText:
		v = &TextContent{}
	case KindBullets:
		v = &BulletsContent{}
	case KindImage:
		v = &ImageContent{}
	case KindChart:
		v = &ChartContent{}
	case KindTable:
		v = &TableContent{}
	case KindShape:
		v = &ShapeContent{}
	case KindDivider:
		v = &DividerContent{}
	default:
		return nil, fmt.Errorf("element %s: unknown kind %q", e.ElementID, e.Kind)
	}
	if err := strictUnmarshal(e.Content, v); err != nil {
		return nil, fmt.Errorf("element %s: %s content: %w", e.ElementID, e.Kind, err)
	}
	return v, nil
}

// Text decodes text content.
func (e *Element) Text() (*TextContent, error) {
	v, err := e.DecodeContent()
	if err != nil {
		return nil, err
	}
	c, ok := v.(*TextContent)
	if !ok {
		return nil, fmt.Errorf("element %s is %s, not text", e.ElementID, e.Kind)
	}
	return c, nil
}

// Bullets decodes bullets content.
func (e *Element) Bullets() (*BulletsContent, error) {
	v, err := e.DecodeContent()
	if err != nil {
		return nil, err
	}
	c, ok := v.(*BulletsContent)
	if !ok {
		return nil, fmt.Errorf("element %s is %s, not bullets", e.ElementID, e.Kind)
	}
	return c, nil
}

// Table decodes table content.
func (e *Element) Table() (*TableContent, error) {
	v, err := e.DecodeContent()
	if err != nil {
		return nil, err
	}
	c, ok := v.(*TableContent)
	if !ok {
		return nil, fmt.Errorf("element %s is %s, not table", e.ElementID, e.Kind)
	}
	return c, nil
}

// SetContent replaces the element content.
func (e *Element) SetContent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("element %s: encode content: %w", e.ElementID, err)
	}
	e.Content = data
	return nil
}
