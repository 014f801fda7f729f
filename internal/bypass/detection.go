package bypass

import (
	"bytes"
	"net/http"
	"strings"
)

// Response is the part of a fetched page the detectors look at.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Verdict is the outcome of classifying a Response.
type Verdict int

const (
	// OK means the page looks like a real product page.
	OK Verdict = iota
	// NotFound means the product does not exist.
	NotFound
	// Captcha means the storefront served a captcha challenge.
	Captcha
	// Blocked means the request was rate limited or refused as automated.
	Blocked
)

func (v Verdict) String() string {
	switch v {
	case NotFound:
		return "not_found"
	case Captcha:
		return "captcha"
	case Blocked:
		return "blocked"
	default:
		return "ok"
	}
}

// Detector examines a response to determine if a bot protection mechanism
// blocked or challenged the request.
type Detector func(res *Response) (detected bool, source string)

var (
	notFoundSignatures = []string{
		"looking for something?",
		"we couldn't find that page",
		"the web address you entered is not a functioning page",
		"dogsofamazon",
		"dogs-hierarchical-702702._ttd_",
		"try checking the url for errors",
	}
	captchaSignatures = [][]byte{
		[]byte("captchacharacters"),
		[]byte("validateCaptcha"),
		[]byte("Type the characters you see"),
		[]byte("Enter the characters you see below"),
	}
	blockedSignatures = [][]byte{
		[]byte("automated access"),
		[]byte("api-services-support@amazon.com"),
		[]byte("Sorry, we just need to make sure"),
	}
)

// BlockDetectors returns the detectors that mark a response as blocked, in
// the order they run: the storefront's own block pages first, then the
// common CDN bot managers.
func BlockDetectors() []Detector {
	return []Detector{
		detectStorefrontBlock,
		detectCloudflare,
		detectAkamai,
		detectDataDome,
		detectPerimeterX,
	}
}

// Classify runs the checks in precedence order: not found, captcha, blocked.
// source names the detector that fired.
func Classify(res *Response) (v Verdict, source string) {
	if res == nil {
		return OK, ""
	}
	if IsNotFound(res) {
		return NotFound, "storefront"
	}
	if HasCaptcha(res.Body) {
		return Captcha, "storefront"
	}
	for _, d := range BlockDetectors() {
		if detected, src := d(res); detected {
			return Blocked, src
		}
	}
	return OK, ""
}

// IsNotFound reports a 404 or a "dogs" not-found page. Matching ignores case.
func IsNotFound(res *Response) bool {
	if res.StatusCode == http.StatusNotFound {
		return true
	}
	body := bytes.ToLower(res.Body)
	for _, sig := range notFoundSignatures {
		if bytes.Contains(body, []byte(sig)) {
			return true
		}
	}
	return false
}

// HasCaptcha reports whether body carries a captcha challenge.
func HasCaptcha(body []byte) bool {
	for _, sig := range captchaSignatures {
		if bytes.Contains(body, sig) {
			return true
		}
	}
	return false
}

func getHeader(headers http.Header, key string) string {
	if headers == nil {
		return ""
	}
	if v := headers.Get(key); v != "" {
		return v
	}
	// Case-insensitive fallback for maps built without canonical keys
	lowerKey := strings.ToLower(key)
	for k, vals := range headers {
		if strings.ToLower(k) == lowerKey && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// detectStorefrontBlock looks for throttling statuses and the automated
// access notice.
func detectStorefrontBlock(res *Response) (bool, string) {
	if res.StatusCode == http.StatusServiceUnavailable || res.StatusCode == http.StatusTooManyRequests {
		return true, "storefront"
	}
	for _, sig := range blockedSignatures {
		if bytes.Contains(res.Body, sig) {
			return true, "storefront"
		}
	}
	return false, ""
}

// detectCloudflare looks for common Cloudflare challenge/block signatures.
func detectCloudflare(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		server := strings.ToLower(getHeader(res.Header, "Server"))
		if strings.Contains(server, "cloudflare") {
			return true, "Cloudflare"
		}

		if bytes.Contains(res.Body, []byte("cf-browser-verification")) ||
			bytes.Contains(res.Body, []byte("cf-turnstile")) ||
			bytes.Contains(res.Body, []byte("Attention Required! | Cloudflare")) {
			return true, "Cloudflare"
		}
	}
	return false, ""
}

// detectAkamai looks for Akamai Bot Manager signatures.
func detectAkamai(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		server := strings.ToLower(getHeader(res.Header, "Server"))
		if strings.Contains(server, "akamai") {
			return true, "Akamai"
		}

		// Akamai often returns a generic "Reference #" block page
		if bytes.Contains(res.Body, []byte("Reference #")) && bytes.Contains(res.Body, []byte("Access Denied")) {
			return true, "Akamai"
		}
	}
	return false, ""
}

// detectDataDome looks for DataDome challenge/block signatures.
func detectDataDome(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		if getHeader(res.Header, "X-DataDome") != "" || getHeader(res.Header, "X-DataDome-Response") != "" {
			return true, "DataDome"
		}

		if bytes.Contains(res.Body, []byte("geo.captcha-delivery.com")) {
			return true, "DataDome"
		}
	}
	return false, ""
}

// detectPerimeterX looks for PerimeterX (HUMAN) signatures.
func detectPerimeterX(res *Response) (bool, string) {
	if res.StatusCode == http.StatusForbidden {
		if getHeader(res.Header, "X-Px-Captcha") != "" {
			return true, "PerimeterX"
		}

		if bytes.Contains(res.Body, []byte("client.perimeterx.net")) ||
			bytes.Contains(res.Body, []byte("_pxBlock")) {
			return true, "PerimeterX"
		}
	}
	return false, ""
}
