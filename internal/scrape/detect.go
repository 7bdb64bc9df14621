package scrape

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"

	"corvid/internal/domain"
)

// Challenge detection is heuristic by nature: anti-bot vendors hide
// behind different status codes and markup, so we look at status,
// content type, and a set of body markers.

var (
	recaptchaSiteKeyRe = regexp.MustCompile(`(?i)data-sitekey\s*=\s*["']([\w-]+)["']`)
	hcaptchaSiteKeyRe  = regexp.MustCompile(`(?i)class\s*=\s*["'][^"']*h-captcha[^"']*["'][^>]*data-sitekey\s*=\s*["']([\w-]+)["']`)
	renderSiteKeyRe    = regexp.MustCompile(`(?i)recaptcha/api\.js\?render=([\w-]+)`)
)

var bodyMarkers = []string{
	"captcha",
	"g-recaptcha",
	"h-captcha",
	"cf-challenge",
	"challenge-form",
	"are you a robot",
	"verify you are human",
	"unusual traffic",
	"attention required",
}

// DetectChallenge inspects a response and, when it looks like an
// anti-bot challenge rather than real content, returns the extracted
// challenge. Returns nil for ordinary responses, including ordinary
// errors: a plain 404 is not a challenge.
func DetectChallenge(resp *http.Response, body []byte) *domain.Challenge {
	if resp == nil {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")

	// An image served where a document was expected is the classic
	// inline text captcha.
	if strings.HasPrefix(contentType, "image/") && len(body) > 0 {
		return &domain.Challenge{
			Type:    domain.ChallengeTextImage,
			Payload: body,
			PageURL: requestURL(resp),
		}
	}

	suspiciousStatus := resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable

	text := strings.ToLower(string(body))
	marked := false
	for _, marker := range bodyMarkers {
		if strings.Contains(text, marker) {
			marked = true
			break
		}
	}

	if !marked && !suspiciousStatus {
		return nil
	}
	if !marked {
		// Blocked status without any challenge markup is a plain
		// refusal, not something a solver can act on.
		return nil
	}

	challenge := &domain.Challenge{PageURL: requestURL(resp)}

	if key := firstMatch(hcaptchaSiteKeyRe, body); key != "" {
		challenge.Type = domain.ChallengeHCaptcha
		challenge.SiteKey = key
		return challenge
	}
	if key := firstMatch(renderSiteKeyRe, body); key != "" {
		challenge.Type = domain.ChallengeRecaptchaV3
		challenge.SiteKey = key
		return challenge
	}
	if key := firstMatch(recaptchaSiteKeyRe, body); key != "" {
		challenge.Type = domain.ChallengeRecaptchaV2
		challenge.SiteKey = key
		return challenge
	}

	if src := inlineImagePayload(body); len(src) > 0 {
		challenge.Type = domain.ChallengeTextImage
		challenge.Payload = src
		return challenge
	}

	challenge.Type = domain.ChallengeOther
	return challenge
}

func firstMatch(re *regexp.Regexp, body []byte) string {
	match := re.FindSubmatch(body)
	if len(match) < 2 {
		return ""
	}
	return string(match[1])
}

var inlineImageRe = regexp.MustCompile(`(?i)src\s*=\s*["']data:image/[\w+.-]+;base64,([A-Za-z0-9+/=]+)["']`)

// inlineImagePayload pulls a base64 data-URI captcha image out of the
// page, decoded by the caller via the challenge payload.
func inlineImagePayload(body []byte) []byte {
	match := inlineImageRe.FindSubmatch(body)
	if len(match) < 2 {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(match[1]))
	if err != nil {
		return nil
	}
	return decoded
}

func requestURL(resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return ""
}
