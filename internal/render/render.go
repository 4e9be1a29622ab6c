// Package render draws an event's attendee sheet as a printable PNG page.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"event-dispatcher/internal/source"
)

// Layout names.
const (
	LayoutList   = "list"
	LayoutBadges = "badges"
)

// A4 at 150 dpi.
const (
	PageWidth  = 1240
	PageHeight = 1754
	pageMargin = 60
)

// ErrUnknownLayout is returned for a layout name the renderer does not know.
// Retrying cannot fix it.
var ErrUnknownLayout = errors.New("render: unknown layout")

var (
	ink   = color.NRGBA{R: 20, G: 20, B: 20, A: 255}
	faint = color.NRGBA{R: 120, G: 120, B: 120, A: 255}
	paper = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
)

// Renderer writes sheets into a directory.
type Renderer struct {
	outputDir string
	face      font.Face
}

func New(outputDir string) *Renderer {
	if outputDir == "" {
		outputDir = "./output"
	}
	return &Renderer{outputDir: outputDir, face: basicfont.Face7x13}
}

// Render draws the sheet for ev and returns the path of the written PNG.
// Every call writes a new file.
func (r *Renderer) Render(ctx context.Context, ev source.RawEvent, attendees []source.RawAttendee, layout string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if layout == "" {
		layout = LayoutList
	}

	var sheet *image.NRGBA
	switch layout {
	case LayoutList:
		sheet = r.drawList(ev, attendees)
	case LayoutBadges:
		sheet = r.drawBadges(ev, attendees)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLayout, layout)
	}

	page := imaging.Paste(imaging.New(PageWidth, PageHeight, paper), fitToPage(sheet), image.Pt(pageMargin, pageMargin))

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(r.outputDir, fmt.Sprintf("%s-%s.png", safeName(ev.ID), uuid.NewString()))
	if err := imaging.Save(page, path); err != nil {
		return "", fmt.Errorf("save sheet: %w", err)
	}
	return path, nil
}

// fitToPage scales the sheet into the printable area. Small sheets grow by a
// whole factor so the bitmap glyphs stay sharp; tall ones shrink.
func fitToPage(sheet *image.NRGBA) *image.NRGBA {
	maxW, maxH := PageWidth-2*pageMargin, PageHeight-2*pageMargin
	w, h := sheet.Bounds().Dx(), sheet.Bounds().Dy()
	if k := min(maxW/w, maxH/h); k >= 1 {
		return imaging.Resize(sheet, w*k, h*k, imaging.NearestNeighbor)
	}
	return imaging.Fit(sheet, maxW, maxH, imaging.Lanczos)
}

const (
	lineHeight = 16
	padding    = 12
	// Unscaled sheet width; Fit scales it onto the page.
	sheetWidth = 560
)

func (r *Renderer) header(ev source.RawEvent, count int) []string {
	lines := []string{ascii(ev.Name)}
	when := "start time unknown"
	if !ev.StartTime.IsZero() {
		when = ev.StartTime.UTC().Format("Mon 02 Jan 2006 15:04 MST")
	}
	meta := when
	if ev.Category != "" {
		meta += " | " + ascii(ev.Category)
	}
	if ev.Venue != "" {
		meta += " | " + ascii(ev.Venue)
	}
	return append(lines, meta, fmt.Sprintf("%d attendee(s)", count))
}

func (r *Renderer) drawList(ev source.RawEvent, attendees []source.RawAttendee) *image.NRGBA {
	head := r.header(ev, len(attendees))
	rows := len(head) + 1 + len(attendees)
	if len(attendees) == 0 {
		rows++
	}
	img := imaging.New(sheetWidth, padding*2+rows*lineHeight, paper)

	y := padding
	for i, line := range head {
		c := ink
		if i > 0 {
			c = faint
		}
		r.text(img, padding, y, line, c)
		y += lineHeight
	}
	rule(img, y+lineHeight/2, faint)
	y += lineHeight

	if len(attendees) == 0 {
		r.text(img, padding, y, "No registered attendees.", faint)
		return img
	}
	for i, a := range attendees {
		line := fmt.Sprintf("%3d. %s", i+1, ascii(a.Name))
		if a.Company != "" {
			line += " - " + ascii(a.Company)
		}
		if a.Role != "" {
			line += " (" + ascii(a.Role) + ")"
		}
		r.text(img, padding, y, truncate(line, (sheetWidth-2*padding)/7), ink)
		y += lineHeight
	}
	return img
}

const (
	badgeCols   = 2
	badgeHeight = 3*lineHeight + padding
	badgeGap    = 8
)

func (r *Renderer) drawBadges(ev source.RawEvent, attendees []source.RawAttendee) *image.NRGBA {
	head := r.header(ev, len(attendees))
	badgeRows := (len(attendees) + badgeCols - 1) / badgeCols
	top := padding + (len(head)+1)*lineHeight
	height := top + badgeRows*(badgeHeight+badgeGap) + padding
	img := imaging.New(sheetWidth, height, paper)

	y := padding
	for _, line := range head {
		r.text(img, padding, y, line, ink)
		y += lineHeight
	}

	badgeWidth := (sheetWidth - 2*padding - (badgeCols-1)*badgeGap) / badgeCols
	maxChars := (badgeWidth - 2*padding) / 7
	for i, a := range attendees {
		col, row := i%badgeCols, i/badgeCols
		x0 := padding + col*(badgeWidth+badgeGap)
		y0 := top + row*(badgeHeight+badgeGap)
		box(img, image.Rect(x0, y0, x0+badgeWidth, y0+badgeHeight), faint)
		r.text(img, x0+padding, y0+padding/2, truncate(ascii(a.Name), maxChars), ink)
		r.text(img, x0+padding, y0+padding/2+lineHeight, truncate(ascii(a.Company), maxChars), faint)
		r.text(img, x0+padding, y0+padding/2+2*lineHeight, truncate(ascii(a.Role), maxChars), faint)
	}
	return img
}

// text draws s with its top-left corner at (x, y).
func (r *Renderer) text(dst draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P(x, y+r.face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
}

func rule(img *image.NRGBA, y int, c color.Color) {
	draw.Draw(img, image.Rect(padding, y, img.Bounds().Dx()-padding, y+1), image.NewUniform(c), image.Point{}, draw.Src)
}

func box(img *image.NRGBA, rect image.Rectangle, c color.Color) {
	u := image.NewUniform(c)
	draw.Draw(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+1), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(rect.Min.X, rect.Max.Y-1, rect.Max.X, rect.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+1, rect.Max.Y), u, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(rect.Max.X-1, rect.Min.Y, rect.Max.X, rect.Max.Y), u, image.Point{}, draw.Src)
}

// ascii replaces runes the bitmap face cannot draw.
func ascii(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 0x20 && r < 0x7f {
			return r
		}
		if r == '\t' {
			return ' '
		}
		return '?'
	}, s)
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func safeName(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
	if id == "" {
		return "event"
	}
	return id
}
