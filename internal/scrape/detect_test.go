package scrape

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"

	"corvid/internal/domain"
)

func responseWith(status int, contentType, rawURL string) *http.Response {
	parsed, _ := url.Parse(rawURL)
	resp := &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Request:    &http.Request{URL: parsed},
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}

func TestDetectChallengeIgnoresOrdinaryResponses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"ok html", 200, "<html><body>products</body></html>"},
		{"plain 404", 404, "<html>not found</html>"},
		{"403 without markers", 403, "<html>access denied</html>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := responseWith(tc.status, "text/html", "https://target.example/page")
			if got := DetectChallenge(resp, []byte(tc.body)); got != nil {
				t.Fatalf("unexpected challenge %+v", got)
			}
		})
	}
}

func TestDetectChallengeRecaptchaV2(t *testing.T) {
	body := []byte(`<div class="g-recaptcha" data-sitekey="6LcExampleKey"></div>`)
	resp := responseWith(403, "text/html", "https://target.example/login")

	challenge := DetectChallenge(resp, body)
	if challenge == nil {
		t.Fatal("recaptcha page not detected")
	}
	if challenge.Type != domain.ChallengeRecaptchaV2 {
		t.Fatalf("type %s", challenge.Type)
	}
	if challenge.SiteKey != "6LcExampleKey" {
		t.Fatalf("sitekey %q", challenge.SiteKey)
	}
	if challenge.PageURL != "https://target.example/login" {
		t.Fatalf("page url %q", challenge.PageURL)
	}
}

func TestDetectChallengeHCaptcha(t *testing.T) {
	body := []byte(`<div class="h-captcha" data-sitekey="hc-key-123"></div>`)
	resp := responseWith(200, "text/html", "https://target.example/")

	challenge := DetectChallenge(resp, body)
	if challenge == nil {
		t.Fatal("hcaptcha page not detected")
	}
	if challenge.Type != domain.ChallengeHCaptcha || challenge.SiteKey != "hc-key-123" {
		t.Fatalf("got %s/%s", challenge.Type, challenge.SiteKey)
	}
}

func TestDetectChallengeImageResponse(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G'}
	resp := responseWith(200, "image/png", "https://target.example/captcha")

	challenge := DetectChallenge(resp, payload)
	if challenge == nil {
		t.Fatal("image response not detected as challenge")
	}
	if challenge.Type != domain.ChallengeTextImage {
		t.Fatalf("type %s", challenge.Type)
	}
	if string(challenge.Payload) != string(payload) {
		t.Fatal("payload not carried through")
	}
}

func TestDetectChallengeInlineImage(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	encoded := base64.StdEncoding.EncodeToString(raw)
	body := []byte(`<html>please solve the captcha <img src="data:image/png;base64,` + encoded + `"></html>`)
	resp := responseWith(200, "text/html", "https://target.example/verify")

	challenge := DetectChallenge(resp, body)
	if challenge == nil {
		t.Fatal("inline captcha image not detected")
	}
	if challenge.Type != domain.ChallengeTextImage {
		t.Fatalf("type %s", challenge.Type)
	}
	if string(challenge.Payload) != string(raw) {
		t.Fatalf("payload %v, want %v", challenge.Payload, raw)
	}
}

func TestDetectChallengeMarkerWithoutExtractableForm(t *testing.T) {
	body := []byte("<html>unusual traffic from your network</html>")
	resp := responseWith(429, "text/html", "https://target.example/")

	challenge := DetectChallenge(resp, body)
	if challenge == nil {
		t.Fatal("marker page not detected")
	}
	if challenge.Type != domain.ChallengeOther {
		t.Fatalf("type %s, want other", challenge.Type)
	}
}
