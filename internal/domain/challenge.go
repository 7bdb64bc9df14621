package domain

import "time"

type ChallengeType string

const (
	ChallengeTextImage   ChallengeType = "text_image"
	ChallengeSlider      ChallengeType = "slider"
	ChallengeClickGrid   ChallengeType = "click_grid"
	ChallengeRecaptchaV2 ChallengeType = "recaptcha_v2"
	ChallengeRecaptchaV3 ChallengeType = "recaptcha_v3"
	ChallengeHCaptcha    ChallengeType = "hcaptcha"
	ChallengeOther       ChallengeType = "other"
)

// Challenge is a verification puzzle returned by a target in place of
// the requested content.
type Challenge struct {
	Type ChallengeType

	// Payload holds the raw challenge material, typically image bytes
	// for text_image challenges. Empty for sitekey-based challenges.
	Payload []byte

	PageURL string
	SiteKey string
}

// Attempt records a single solver strategy run against a challenge.
type Attempt struct {
	Solver     string
	Success    bool
	Result     string
	Confidence float64
	Latency    time.Duration
	Err        string
}

// CaptchaOutcome is the final verdict of a solver cascade. Immutable
// once produced.
type CaptchaOutcome struct {
	Solved   bool
	Solution Attempt
	Attempts []Attempt
}

// SolverName returns the strategy that produced the winning solution,
// or an empty string when nothing solved the challenge.
func (o *CaptchaOutcome) SolverName() string {
	if o == nil || !o.Solved {
		return ""
	}
	return o.Solution.Solver
}
