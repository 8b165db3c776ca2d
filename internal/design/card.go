// Package design renders the social share card attached to thread generations.
package design

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/digkill/screencopy/internal/models"
)

const (
	Width         = 1200
	Height        = 630
	DefaultAccent = "#3B82F6"

	maxBullets     = 4
	maxBulletRunes = 60
	cardDay        = "Monday"
	defaultTheme   = "Origin Story"

	margin      = 80
	titleScale  = 5
	subScale    = 3
	bulletScale = 2
)

var (
	background = color.RGBA{R: 0x0F, G: 0x17, B: 0x2A, A: 0xFF}
	foreground = color.RGBA{R: 0xF8, G: 0xFA, B: 0xFC, A: 0xFF}
	muted      = color.RGBA{R: 0xCB, G: 0xD5, B: 0xE1, A: 0xFF}
)

type Card struct {
	Title    string
	Subtitle string
	Bullets  []string
	Accent   string
}

var (
	tweetPrefix = regexp.MustCompile(`^Tweet \d+:\s*`)
	asciiPunct  = strings.NewReplacer(
		"\u2018", "'", "\u2019", "'", "\u201C", `"`, "\u201D", `"`,
		"\u2013", "-", "\u2014", "-", "\u2026", "...", "\u00A0", " ",
	)
)

// CardFromSchedule builds the card from the Monday thread. It reports false
// when the schedule has no Monday entry or when its text needs glyphs the
// bitmap face lacks, such as Hangul.
func CardFromSchedule(s *models.WeeklySchedule) (Card, bool) {
	if s == nil {
		return Card{}, false
	}
	monday, ok := s.Day(cardDay)
	if !ok {
		return Card{}, false
	}

	title, ok := fitText(monday.Hook)
	if !ok {
		return Card{}, false
	}
	bullets := make([]string, 0, maxBullets)
	for _, msg := range monday.Thread {
		if len(bullets) == maxBullets {
			break
		}
		msg, ok = fitText(tweetPrefix.ReplaceAllString(strings.TrimSpace(msg), ""))
		if !ok {
			return Card{}, false
		}
		if r := []rune(msg); len(r) > maxBulletRunes {
			msg = string(r[:maxBulletRunes]) + "..."
		}
		bullets = append(bullets, msg)
	}

	theme, ok := fitText(monday.Theme)
	if !ok {
		return Card{}, false
	}
	if theme == "" {
		theme = defaultTheme
	}
	accent := s.DesignConfig.AccentColor
	if _, ok := ParseHexColor(accent); !ok {
		accent = DefaultAccent
	}

	return Card{
		Title:    title,
		Subtitle: cardDay + ": " + theme,
		Bullets:  bullets,
		Accent:   accent,
	}, true
}

// fitText maps s onto runes the bitmap face can draw. Typographic
// punctuation becomes ASCII and symbols such as emoji are dropped; any other
// rune outside the face makes it report false.
func fitText(s string) (string, bool) {
	var b strings.Builder
	for _, r := range asciiPunct.Replace(s) {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case drawable(r):
			b.WriteRune(r)
		case unicode.IsSymbol(r), unicode.Is(unicode.Mn, r), unicode.Is(unicode.Cf, r):
		default:
			return "", false
		}
	}
	return strings.Join(strings.Fields(b.String()), " "), true
}

func drawable(r rune) bool {
	if r == unicode.ReplacementChar {
		return false
	}
	for _, rg := range basicfont.Face7x13.Ranges {
		if rg.Low <= r && r < rg.High {
			return true
		}
	}
	return false
}

// Render draws the card as a PNG.
func Render(c Card) ([]byte, error) {
	accent, ok := ParseHexColor(c.Accent)
	if !ok {
		accent, _ = ParseHexColor(DefaultAccent)
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: background}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, 24, Height), &image.Uniform{C: accent}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, Height-12, Width, Height), &image.Uniform{C: accent}, image.Point{}, draw.Src)

	y := margin
	y = drawText(img, c.Subtitle, margin, y, subScale, accent)
	y += 24

	for _, line := range wrap(c.Title, charsPerLine(titleScale), 3) {
		y = drawText(img, line, margin, y, titleScale, foreground)
		y += 8
	}
	y += 24

	for _, b := range c.Bullets {
		for _, line := range wrap("- "+b, charsPerLine(bulletScale), 2) {
			if y > Height-margin {
				break
			}
			y = drawText(img, line, margin, y, bulletScale, muted)
			y += 6
		}
		y += 8
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}
	return buf.Bytes(), nil
}

// drawText renders s at 1x with the bitmap face and scales it onto dst.
// It returns the y coordinate below the drawn line.
func drawText(dst *image.RGBA, s string, x, y, scale int, col color.Color) int {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	adv := font.MeasureString(face, s).Ceil()
	if adv <= 0 || strings.TrimSpace(s) == "" {
		return y + lineHeight*scale
	}

	src := image.NewRGBA(image.Rect(0, 0, adv, lineHeight))
	d := &font.Drawer{
		Dst:  src,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)

	target := image.Rect(x, y, x+adv*scale, y+lineHeight*scale)
	xdraw.NearestNeighbor.Scale(dst, target, src, src.Bounds(), xdraw.Over, nil)
	return target.Max.Y
}

func charsPerLine(scale int) int {
	return (Width - 2*margin) / (basicfont.Face7x13.Advance * scale)
}

// wrap splits s on word boundaries into at most maxLines lines.
func wrap(s string, width, maxLines int) []string {
	words := strings.Fields(s)
	var lines []string
	var cur []rune
	for _, w := range words {
		wr := []rune(w)
		switch {
		case len(cur) == 0:
			cur = append(cur, wr...)
		case len(cur)+1+len(wr) <= width:
			cur = append(cur, ' ')
			cur = append(cur, wr...)
		default:
			lines = append(lines, string(cur))
			cur = append([]rune(nil), wr...)
		}
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		last := []rune(lines[maxLines-1])
		if len(last) > width-3 {
			last = last[:width-3]
		}
		lines[maxLines-1] = string(last) + "..."
	}
	return lines
}

// ParseHexColor accepts #RGB or #RRGGBB with or without the hash.
func ParseHexColor(s string) (color.RGBA, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.RGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xFF}, true
}
