package bypass

import (
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		res    *Response
		want   Verdict
		source string
	}{
		{"product page", &Response{StatusCode: 200, Body: []byte(`<span id="productTitle">Mug</span>`)}, OK, ""},
		{"404", &Response{StatusCode: 404}, NotFound, "storefront"},
		{"dogs page", &Response{StatusCode: 200, Body: []byte(`<img src="https://images/dogsofamazon/1.jpg">`)}, NotFound, "storefront"},
		{"not found ignores case", &Response{StatusCode: 200, Body: []byte("Sorry! We couldn't find that page. Try checking the URL for errors")}, NotFound, "storefront"},
		{"captcha", &Response{StatusCode: 200, Body: []byte(`<input id="captchacharacters" name="field-keywords">`)}, Captcha, "storefront"},
		{"captcha form", &Response{StatusCode: 200, Body: []byte(`<form action="/errors/validateCaptcha">`)}, Captcha, "storefront"},
		{"503", &Response{StatusCode: 503}, Blocked, "storefront"},
		{"429", &Response{StatusCode: 429}, Blocked, "storefront"},
		{"automated access", &Response{StatusCode: 200, Body: []byte("To discuss automated access to Amazon data please contact api-services-support@amazon.com.")}, Blocked, "storefront"},
		{"cloudflare", &Response{StatusCode: 403, Header: http.Header{"Server": {"cloudflare"}}}, Blocked, "Cloudflare"},
		{"nil", nil, OK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, src := Classify(tt.res)
			if got != tt.want || src != tt.source {
				t.Errorf("expected %s/%q, got %s/%q", tt.want, tt.source, got, src)
			}
		})
	}
}

func TestClassify_Precedence(t *testing.T) {
	// a 404 carrying captcha markup is still not found
	res := &Response{StatusCode: 404, Body: []byte("captchacharacters")}
	if got, _ := Classify(res); got != NotFound {
		t.Errorf("expected not found to win, got %s", got)
	}

	// a throttled captcha page is a captcha
	res = &Response{StatusCode: 503, Body: []byte("Type the characters you see in this image")}
	if got, _ := Classify(res); got != Captcha {
		t.Errorf("expected captcha to win over blocked, got %s", got)
	}
}

func TestDetectCloudflare(t *testing.T) {
	res := &Response{
		StatusCode: 200,
		Header:     http.Header{"Server": {"nginx"}},
		Body:       []byte("OK"),
	}
	if detected, _ := detectCloudflare(res); detected {
		t.Errorf("expected not detected")
	}

	res = &Response{
		StatusCode: 403,
		Body:       []byte("<html>... cf-turnstile ...</html>"),
	}
	if detected, src := detectCloudflare(res); !detected || src != "Cloudflare" {
		t.Errorf("expected Cloudflare detection by body")
	}
}

func TestDetectAkamai(t *testing.T) {
	res := &Response{
		StatusCode: 403,
		Header:     http.Header{"Server": {"AkamaiGHost"}},
	}
	if detected, src := detectAkamai(res); !detected || src != "Akamai" {
		t.Errorf("expected Akamai detection by header")
	}

	res = &Response{
		StatusCode: 403,
		Body:       []byte("Access Denied... Reference #123.456"),
	}
	if detected, src := detectAkamai(res); !detected || src != "Akamai" {
		t.Errorf("expected Akamai detection by body")
	}
}

func TestDetectDataDome(t *testing.T) {
	res := &Response{
		StatusCode: 403,
		Header:     map[string][]string{"x-datadome": {"1"}},
	}
	if detected, src := detectDataDome(res); !detected || src != "DataDome" {
		t.Errorf("expected DataDome detection by non canonical header")
	}
}

func TestDetectPerimeterX(t *testing.T) {
	res := &Response{
		StatusCode: 403,
		Body:       []byte("window._pxBlock = true;"),
	}
	if detected, src := detectPerimeterX(res); !detected || src != "PerimeterX" {
		t.Errorf("expected PerimeterX detection by body")
	}
}
