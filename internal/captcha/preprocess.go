package captcha

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"
)

// Preprocess runs the fixed normalization pipeline applied before any
// local recognition: grayscale → denoise → contrast stretch → Otsu
// binarize → 2x upscale. Noisy sources vary wildly; recognizers get a
// uniform input.
func Preprocess(payload []byte) (*image.Gray, error) {
	src, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode challenge image: %w", err)
	}

	gray := toGray(src)
	denoised := denoise(gray)
	stretched := stretchContrast(denoised)
	binary := binarize(stretched, otsuThreshold(stretched))
	return upscale(binary, 2), nil
}

// EncodePNG renders a processed image back to bytes for recognizers
// that consume encoded images.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode processed image: %w", err)
	}
	return buf.Bytes(), nil
}

func toGray(src image.Image) *image.Gray {
	bounds := src.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return gray
}

// denoise applies a 3x3 median filter, which removes salt-and-pepper
// noise without smearing glyph edges the way a box blur would.
func denoise(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	out := image.NewGray(bounds)

	var window [9]uint8
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px, py := x+dx, y+dy
					if px < bounds.Min.X || px >= bounds.Max.X || py < bounds.Min.Y || py >= bounds.Max.Y {
						continue
					}
					window[n] = src.GrayAt(px, py).Y
					n++
				}
			}
			out.SetGray(x, y, color.Gray{Y: median(window[:n])})
		}
	}
	return out
}

func median(values []uint8) uint8 {
	// Insertion sort; the window is at most 9 wide.
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j-1] > values[j]; j-- {
			values[j-1], values[j] = values[j], values[j-1]
		}
	}
	return values[len(values)/2]
}

// stretchContrast maps the observed intensity range onto [0,255].
func stretchContrast(src *image.Gray) *image.Gray {
	bounds := src.Bounds()

	min, max := uint8(255), uint8(0)
	for i := range src.Pix {
		if src.Pix[i] < min {
			min = src.Pix[i]
		}
		if src.Pix[i] > max {
			max = src.Pix[i]
		}
	}

	if max <= min {
		out := image.NewGray(bounds)
		copy(out.Pix, src.Pix)
		return out
	}

	out := image.NewGray(bounds)
	scale := 255.0 / float64(max-min)
	for i := range src.Pix {
		out.Pix[i] = uint8(float64(src.Pix[i]-min) * scale)
	}
	return out
}

// otsuThreshold computes the binarization threshold that minimizes
// intra-class intensity variance.
func otsuThreshold(src *image.Gray) uint8 {
	var histogram [256]int
	for i := range src.Pix {
		histogram[src.Pix[i]]++
	}

	total := len(src.Pix)
	if total == 0 {
		return 127
	}

	var sum float64
	for i, count := range histogram {
		sum += float64(i) * float64(count)
	}

	var (
		sumBackground float64
		wBackground   int
		maxVariance   float64
		threshold     uint8
	)

	for i, count := range histogram {
		wBackground += count
		if wBackground == 0 {
			continue
		}
		wForeground := total - wBackground
		if wForeground == 0 {
			break
		}

		sumBackground += float64(i) * float64(count)
		meanBackground := sumBackground / float64(wBackground)
		meanForeground := (sum - sumBackground) / float64(wForeground)

		diff := meanBackground - meanForeground
		variance := float64(wBackground) * float64(wForeground) * diff * diff
		if variance > maxVariance {
			maxVariance = variance
			threshold = uint8(i)
		}
	}

	return threshold
}

func binarize(src *image.Gray, threshold uint8) *image.Gray {
	out := image.NewGray(src.Bounds())
	for i := range src.Pix {
		if src.Pix[i] > threshold {
			out.Pix[i] = 255
		} else {
			out.Pix[i] = 0
		}
	}
	return out
}

// upscale enlarges by an integer factor with nearest-neighbour
// sampling; binarized glyphs stay crisp.
func upscale(src *image.Gray, factor int) *image.Gray {
	if factor <= 1 {
		return src
	}

	bounds := src.Bounds()
	width := bounds.Dx() * factor
	height := bounds.Dy() * factor

	out := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.SetGray(x, y, src.GrayAt(bounds.Min.X+x/factor, bounds.Min.Y+y/factor))
		}
	}
	return out
}
