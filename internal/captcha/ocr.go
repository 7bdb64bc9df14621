package captcha

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"corvid/internal/domain"
)

const ocrConfidence = 0.7

// OCRSolver shells out to a tesseract binary for text-image
// challenges. Single-line page segmentation, optional character
// whitelist; the context bounds the subprocess.
type OCRSolver struct {
	name string

	// BinaryPath locates the tesseract executable.
	BinaryPath string

	// Whitelist restricts recognized characters when non-empty.
	Whitelist string
}

func NewOCRSolver(binaryPath, whitelist string) *OCRSolver {
	if binaryPath == "" {
		binaryPath = "tesseract"
	}
	return &OCRSolver{name: "ocr", BinaryPath: binaryPath, Whitelist: whitelist}
}

func (s *OCRSolver) Name() string { return s.name }

func (s *OCRSolver) Attempt(ctx context.Context, challenge *domain.Challenge) domain.Attempt {
	start := time.Now()

	if challenge.Type != domain.ChallengeTextImage {
		return failedAttempt(s.name, "unsupported challenge type: "+string(challenge.Type))
	}
	if len(challenge.Payload) == 0 {
		return failedAttempt(s.name, "challenge carries no image payload")
	}

	img, err := Preprocess(challenge.Payload)
	if err != nil {
		return failedAttempt(s.name, err.Error())
	}

	encoded, err := EncodePNG(img)
	if err != nil {
		return failedAttempt(s.name, err.Error())
	}

	args := []string{"stdin", "stdout", "--psm", "7", "--oem", "3"}
	if s.Whitelist != "" {
		args = append(args, "-c", "tessedit_char_whitelist="+s.Whitelist)
	}

	cmd := exec.CommandContext(ctx, s.BinaryPath, args...)
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := err.Error()
		if stderr.Len() > 0 {
			msg = strings.TrimSpace(stderr.String())
		}
		return domain.Attempt{
			Solver:  s.name,
			Latency: time.Since(start),
			Err:     msg,
		}
	}

	result := cleanOCRResult(stdout.String())

	attempt := domain.Attempt{
		Solver:  s.name,
		Latency: time.Since(start),
	}
	if result == "" {
		attempt.Err = "ocr produced empty result"
		return attempt
	}

	attempt.Success = true
	attempt.Result = result
	attempt.Confidence = ocrConfidence
	return attempt
}

func cleanOCRResult(raw string) string {
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.ReplaceAll(raw, "\n", "")
	return strings.TrimSpace(raw)
}
