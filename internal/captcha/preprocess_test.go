package captcha

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeTestImage(t *testing.T, width, height int, fill func(x, y int) color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, fill(x, y))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestPreprocessProducesBinaryUpscaledImage(t *testing.T) {
	// Dark text block on a light background.
	payload := encodeTestImage(t, 40, 20, func(x, y int) color.Color {
		if x > 10 && x < 30 && y > 5 && y < 15 {
			return color.RGBA{R: 20, G: 20, B: 20, A: 255}
		}
		return color.RGBA{R: 230, G: 230, B: 230, A: 255}
	})

	processed, err := Preprocess(payload)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}

	bounds := processed.Bounds()
	if bounds.Dx() != 80 || bounds.Dy() != 40 {
		t.Fatalf("upscaled size %dx%d, want 80x40", bounds.Dx(), bounds.Dy())
	}

	// After binarization every pixel must be fully black or white.
	for i := range processed.Pix {
		if processed.Pix[i] != 0 && processed.Pix[i] != 255 {
			t.Fatalf("pixel %d has value %d, want 0 or 255", i, processed.Pix[i])
		}
	}

	// Both classes must survive: glyph pixels and background pixels.
	var black, white int
	for i := range processed.Pix {
		if processed.Pix[i] == 0 {
			black++
		} else {
			white++
		}
	}
	if black == 0 || white == 0 {
		t.Fatalf("binarization collapsed the image: %d black, %d white", black, white)
	}
}

func TestPreprocessRejectsGarbage(t *testing.T) {
	if _, err := Preprocess([]byte("not an image")); err == nil {
		t.Fatal("garbage payload should fail to decode")
	}
}

func TestOtsuThresholdSeparatesBimodal(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		if i%2 == 0 {
			img.Pix[i] = 30
		} else {
			img.Pix[i] = 220
		}
	}

	threshold := otsuThreshold(img)
	if threshold < 30 || threshold >= 220 {
		t.Fatalf("threshold %d should fall between the two modes", threshold)
	}
}

func TestMedianFilterRemovesSaltNoise(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 9, 9))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	// Single hot pixel in the middle.
	img.SetGray(4, 4, color.Gray{Y: 0})

	out := denoise(img)
	if out.GrayAt(4, 4).Y != 200 {
		t.Fatalf("median filter left noise pixel at %d, want 200", out.GrayAt(4, 4).Y)
	}
}

func TestEncodePNGRoundTrip(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	data, err := EncodePNG(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("round-trip decode: %v", err)
	}
	if decoded.Bounds() != img.Bounds() {
		t.Fatalf("bounds changed: %v vs %v", decoded.Bounds(), img.Bounds())
	}
}
