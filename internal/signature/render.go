package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/font"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/joseph-ayodele/formsign/internal/entity"
)

// RenderInput is what a renderer needs to produce a document artifact.
type RenderInput struct {
	Title      string
	TemplateID string
	Form       *entity.Form
	Submission *entity.Submission
	Fields     map[string]any
}

// Renderer writes a PDF for in under dir and returns its path.
type Renderer interface {
	Render(ctx context.Context, dir string, in RenderInput) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, dir string, in RenderInput) (string, error)

func (f RendererFunc) Render(ctx context.Context, dir string, in RenderInput) (string, error) {
	return f(ctx, dir, in)
}

const (
	fontName       = "Helvetica"
	fontBold       = "Helvetica-Bold"
	cellFontSize   = 9
	bandFontSize   = 10
	rowHeight      = 14
	rowsPerPage    = 45
	tableWidth     = 495.0 // A4 width less 50pt side margins
	fieldColPct    = 30
	cellPadding    = 4.0
	cellSlack      = 4.0
	titleMaxWidth  = 240.0
	noFieldsNotice = "(no fields submitted)"
)

// FieldTableRenderer lays submission fields out as a two column table and renders it
// with pdfcpu's JSON page description.
type FieldTableRenderer struct {
	Now func() time.Time
}

func (r FieldTableRenderer) Render(ctx context.Context, dir string, in RenderInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	info := "Generated " + now().UTC().Format(time.RFC3339)
	if in.Submission != nil {
		info = "Submission " + in.Submission.ID.String() + "\n" + info
	}

	desc, err := json.Marshal(layoutDocument(in.Title, info, fieldRows(in.Fields)))
	if err != nil {
		return "", fmt.Errorf("encode layout: %w", err)
	}

	out := filepath.Join(dir, "document.pdf")
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create pdf: %w", err)
	}
	if err := api.Create(nil, bytes.NewReader(desc), f, model.NewDefaultConfiguration()); err != nil {
		f.Close()
		return "", fmt.Errorf("render pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close pdf: %w", err)
	}
	if n, err := api.PageCountFile(out); err != nil || n == 0 {
		return "", fmt.Errorf("generated pdf unreadable: pages=%d err=%v", n, err)
	}
	return out, nil
}

// Layout JSON understood by api.Create.
type (
	layoutFont struct {
		Name string `json:"name"`
		Size int    `json:"size"`
	}
	layoutBand struct {
		Left   string     `json:"left,omitempty"`
		Center string     `json:"center,omitempty"`
		Right  string     `json:"right,omitempty"`
		Font   layoutFont `json:"font"`
		Height float64    `json:"height"`
		Dx     int        `json:"dx"`
		Dy     int        `json:"dy"`
	}
	layoutBox struct {
		Top    float64 `json:"top,omitempty"`
		Right  float64 `json:"right,omitempty"`
		Bottom float64 `json:"bottom,omitempty"`
		Left   float64 `json:"left,omitempty"`
	}
	layoutBorder struct {
		Width int    `json:"width"`
		Color string `json:"col"`
	}
	layoutTableHeader struct {
		Values     []string   `json:"values"`
		ColAnchors []string   `json:"colAnchors"`
		Font       layoutFont `json:"font"`
	}
	layoutTable struct {
		Values     [][]string         `json:"values"`
		Anchor     string             `json:"anchor"`
		Width      float64            `json:"width"`
		Rows       int                `json:"rows"`
		Cols       int                `json:"cols"`
		ColWidths  []int              `json:"colWidths"`
		ColAnchors []string           `json:"colAnchors"`
		LineHeight int                `json:"lheight"`
		Font       layoutFont         `json:"font"`
		Margin     layoutBox          `json:"margin"`
		Padding    layoutBox          `json:"padding"`
		Border     layoutBorder       `json:"border"`
		Grid       bool               `json:"grid"`
		Header     *layoutTableHeader `json:"header,omitempty"`
	}
	layoutPage struct {
		Content struct {
			Tables []layoutTable `json:"table"`
		} `json:"content"`
	}
	layoutDoc struct {
		Paper  string                `json:"paper"`
		Origin string                `json:"origin"`
		Header *layoutBand           `json:"header"`
		Footer *layoutBand           `json:"footer"`
		Pages  map[string]layoutPage `json:"pages"`
	}
)

// layoutDocument spreads rows over as many pages as needed, one table per page.
func layoutDocument(title, info string, rows [][2]string) layoutDoc {
	title = bandText(fitWidth(strings.Join(strings.Fields(title), " "), fontBold, bandFontSize, titleMaxWidth))
	doc := layoutDoc{
		Paper:  "A4P",
		Origin: "UpperLeft",
		Header: &layoutBand{
			Left:   title,
			Right:  bandText(info),
			Font:   layoutFont{Name: fontBold, Size: bandFontSize},
			Height: 30,
			Dx:     50,
			Dy:     30,
		},
		Footer: &layoutBand{
			Center: "Page %p of %P",
			Font:   layoutFont{Name: fontName, Size: 8},
			Height: 15,
			Dx:     50,
			Dy:     20,
		},
		Pages: map[string]layoutPage{},
	}
	if len(rows) == 0 {
		rows = [][2]string{{noFieldsNotice, ""}}
	}
	for page := 1; len(rows) > 0; page++ {
		n := min(rowsPerPage, len(rows))
		values := make([][]string, n)
		for i, row := range rows[:n] {
			values[i] = []string{cellText(row[0]), cellText(row[1])}
		}
		rows = rows[n:]

		var p layoutPage
		p.Content.Tables = []layoutTable{{
			Values:     values,
			Anchor:     "tc",
			Width:      tableWidth,
			Rows:       n,
			Cols:       2,
			ColWidths:  []int{fieldColPct, 100 - fieldColPct},
			ColAnchors: []string{"left", "left"},
			LineHeight: rowHeight,
			Font:       layoutFont{Name: fontName, Size: cellFontSize},
			Margin:     layoutBox{Top: 10},
			Padding:    layoutBox{Left: cellPadding, Right: cellPadding},
			Border:     layoutBorder{Width: 1, Color: "#000000"},
			Grid:       true,
			Header: &layoutTableHeader{
				Values:     []string{"Field", "Value"},
				ColAnchors: []string{"left", "left"},
				Font:       layoutFont{Name: fontBold, Size: cellFontSize},
			},
		}}
		doc.Pages[strconv.Itoa(page)] = p
	}
	return doc
}

// fieldRows renders fields sorted by name as (name, value) rows. Values wider than the
// value column continue on rows with an empty name.
func fieldRows(fields map[string]any) [][2]string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	colWidth := tableWidth - 2 // border
	nameWidth := colWidth*fieldColPct/100 - 2*cellPadding - cellSlack
	valueWidth := colWidth*(100-fieldColPct)/100 - 2*cellPadding - cellSlack

	var rows [][2]string
	for _, k := range keys {
		name := fitWidth(plain(k), fontName, cellFontSize, nameWidth)
		for i, line := range wrapWidth(plain(displayValue(fields[k])), fontName, cellFontSize, valueWidth) {
			if i > 0 {
				name = ""
			}
			rows = append(rows, [2]string{name, line})
		}
	}
	return rows
}

func displayValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = displayValue(e)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// plain collapses whitespace and breaks up literal "\n", which pdfcpu reads as a line break.
func plain(s string) string {
	return strings.ReplaceAll(strings.Join(strings.Fields(s), " "), `\n`, `\ n`)
}

// textWidth measures s as pdfcpu will draw it with a core font.
func textWidth(s, name string, size int) float64 {
	return font.TextWidth(model.DecodeUTF8ToByte(s), name, size)
}

// wrapWidth splits s into lines no wider than limit, breaking on spaces where possible.
func wrapWidth(s, name string, size int, limit float64) []string {
	var (
		out  []string
		line string
	)
	for _, word := range strings.Split(s, " ") {
		candidate := word
		if line != "" {
			candidate = line + " " + word
		}
		if textWidth(candidate, name, size) <= limit {
			line = candidate
			continue
		}
		if line != "" {
			out = append(out, line)
		}
		for textWidth(word, name, size) > limit {
			r := []rune(word)
			if len(r) < 2 {
				break
			}
			cut := len(r) - 1
			for cut > 1 && textWidth(string(r[:cut]), name, size) > limit {
				cut--
			}
			out = append(out, string(r[:cut]))
			word = string(r[cut:])
		}
		line = word
	}
	return append(out, line)
}

// fitWidth cuts s to limit, marking the cut with "...".
func fitWidth(s, name string, size int, limit float64) string {
	if textWidth(s, name, size) <= limit {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && textWidth(string(r)+"...", name, size) > limit {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}

// cellText escapes '%' so pdfcpu keeps it instead of reading a page placeholder.
func cellText(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

// bandText is cellText for header and footer bands, where a leading '$' names an image.
func bandText(s string) string {
	return cellText(strings.TrimLeft(s, "$"))
}
