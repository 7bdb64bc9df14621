package captcha

import (
	"context"
	"testing"
)

func TestCleanOCRResultStripsWhitespace(t *testing.T) {
	if got := cleanOCRResult(" A B\nC1 2\n"); got != "ABC12" {
		t.Fatalf("cleaned %q, want ABC12", got)
	}
}

func TestOCRSolverMissingBinaryFails(t *testing.T) {
	solver := NewOCRSolver("/nonexistent/tesseract", "")

	attempt := solver.Attempt(context.Background(), solvableChallenge(t))
	if attempt.Success {
		t.Fatal("missing binary must fail the attempt")
	}
	if attempt.Err == "" {
		t.Fatal("failed attempt should carry an error")
	}
}
