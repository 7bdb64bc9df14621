package captcha

import (
	"errors"
	"image"
	"image/draw"
	"math"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// defaultAlphabet is the character set the built-in recognizer can
// produce, matching the digits-and-uppercase set typical text captchas
// draw from.
const defaultAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	fingerprintGrid = 4
	inkThreshold    = 128
	minGlyphWidth   = 2
)

type glyphFingerprint [fingerprintGrid * fingerprintGrid]float64

type glyphTemplate struct {
	char        byte
	fingerprint glyphFingerprint
}

var (
	glyphTemplatesOnce sync.Once
	glyphTemplateSet   []glyphTemplate
)

// DefaultRecognizer reads a preprocessed challenge image by splitting
// it into glyphs on blank columns and matching each glyph's coarse
// ink-density fingerprint against a rendered reference face. It covers
// clean single-line digit/uppercase captchas; operators with a trained
// model plug their own RecognizerFunc into NewClassifier instead.
func DefaultRecognizer(img *image.Gray) (string, error) {
	boxes := segmentGlyphs(img)
	if len(boxes) == 0 {
		return "", errors.New("no glyphs found in image")
	}

	templates := glyphTemplates()
	result := make([]byte, 0, len(boxes))
	for _, box := range boxes {
		fp := inkFingerprint(img, box)

		best := templates[0].char
		bestDistance := math.MaxFloat64
		for _, template := range templates {
			if d := fingerprintDistance(fp, template.fingerprint); d < bestDistance {
				best = template.char
				bestDistance = d
			}
		}
		result = append(result, best)
	}
	return string(result), nil
}

func glyphTemplates() []glyphTemplate {
	glyphTemplatesOnce.Do(func() {
		for i := 0; i < len(defaultAlphabet); i++ {
			rendered := renderReferenceGlyph(string(defaultAlphabet[i]))
			box, ok := inkBounds(rendered, rendered.Bounds())
			if !ok {
				continue
			}
			glyphTemplateSet = append(glyphTemplateSet, glyphTemplate{
				char:        defaultAlphabet[i],
				fingerprint: inkFingerprint(rendered, box),
			})
		}
	})
	return glyphTemplateSet
}

func renderReferenceGlyph(s string) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, 16, 20))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	drawer := font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, 15),
	}
	drawer.DrawString(s)
	return dst
}

// segmentGlyphs splits the image into per-glyph bounding boxes on runs
// of inked columns.
func segmentGlyphs(img *image.Gray) []image.Rectangle {
	bounds := img.Bounds()

	inked := make([]bool, bounds.Dx())
	for x := bounds.Min.X; x < bounds.Max.X; x++ {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			if img.GrayAt(x, y).Y < inkThreshold {
				inked[x-bounds.Min.X] = true
				break
			}
		}
	}

	boxes := make([]image.Rectangle, 0)
	runStart := -1
	for i := 0; i <= len(inked); i++ {
		if i < len(inked) && inked[i] {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			if i-runStart >= minGlyphWidth {
				run := image.Rect(bounds.Min.X+runStart, bounds.Min.Y, bounds.Min.X+i, bounds.Max.Y)
				if box, ok := inkBounds(img, run); ok {
					boxes = append(boxes, box)
				}
			}
			runStart = -1
		}
	}
	return boxes
}

// inkBounds tightens a region to the bounding box of its ink.
func inkBounds(img *image.Gray, region image.Rectangle) (image.Rectangle, bool) {
	minX, minY := region.Max.X, region.Max.Y
	maxX, maxY := region.Min.X, region.Min.Y

	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			if img.GrayAt(x, y).Y >= inkThreshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if minX > maxX {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// inkFingerprint measures ink density over a fixed grid laid across
// the box, which normalizes away glyph scale.
func inkFingerprint(img *image.Gray, box image.Rectangle) glyphFingerprint {
	var fp, counts glyphFingerprint

	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			cx := (x - box.Min.X) * fingerprintGrid / box.Dx()
			cy := (y - box.Min.Y) * fingerprintGrid / box.Dy()
			idx := cy*fingerprintGrid + cx

			counts[idx]++
			if img.GrayAt(x, y).Y < inkThreshold {
				fp[idx]++
			}
		}
	}

	for i := range fp {
		if counts[i] > 0 {
			fp[i] /= counts[i]
		}
	}
	return fp
}

func fingerprintDistance(a, b glyphFingerprint) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
