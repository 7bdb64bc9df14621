package captcha

import (
	"context"
	"image"
	"time"

	"corvid/internal/domain"
)

// RecognizerFunc maps a preprocessed challenge image to a recognized
// string. DefaultRecognizer is the built-in fallback; operators with a
// trained model plug in their own.
type RecognizerFunc func(img *image.Gray) (string, error)

const classifierConfidence = 0.9

// Classifier is the fast local strategy: fixed preprocessing followed
// by an injected recognizer. Without a recognizer it reports itself
// unavailable through failed attempts, mirroring a missing model.
type Classifier struct {
	name      string
	recognize RecognizerFunc
}

func NewClassifier(recognize RecognizerFunc) *Classifier {
	return &Classifier{name: "classifier", recognize: recognize}
}

func (c *Classifier) Name() string { return c.name }

func (c *Classifier) Attempt(ctx context.Context, challenge *domain.Challenge) domain.Attempt {
	start := time.Now()

	if c.recognize == nil {
		return failedAttempt(c.name, "no recognizer configured")
	}
	if challenge.Type != domain.ChallengeTextImage {
		return failedAttempt(c.name, "unsupported challenge type: "+string(challenge.Type))
	}
	if len(challenge.Payload) == 0 {
		return failedAttempt(c.name, "challenge carries no image payload")
	}

	img, err := Preprocess(challenge.Payload)
	if err != nil {
		return failedAttempt(c.name, err.Error())
	}

	if err := ctx.Err(); err != nil {
		return failedAttempt(c.name, err.Error())
	}

	result, err := c.recognize(img)
	attempt := domain.Attempt{
		Solver:  c.name,
		Latency: time.Since(start),
	}
	if err != nil {
		attempt.Err = err.Error()
		return attempt
	}
	if result == "" {
		attempt.Err = "recognizer produced empty result"
		return attempt
	}

	attempt.Success = true
	attempt.Result = result
	attempt.Confidence = classifierConfidence
	return attempt
}
