package storage

import (
	"fmt"
	"time"
)

// FingerprintRotate selects when the fetch identity is replaced proactively.
type FingerprintRotate string

const (
	RotateNone    FingerprintRotate = "none"
	RotateBatch   FingerprintRotate = "batch"
	RotateCount   FingerprintRotate = "count"
	RotateRequest FingerprintRotate = "request"
)

// CaptchaHandling selects how a detected captcha is treated.
type CaptchaHandling string

const (
	CaptchaAuto  CaptchaHandling = "auto"
	CaptchaSkip  CaptchaHandling = "skip"
	CaptchaRetry CaptchaHandling = "retry"
)

// Settings is the option bag a Job is submitted with. It is stored with the
// job so that a resumed job keeps running under the settings it started with.
type Settings struct {
	Concurrency                int               `json:"concurrency" mapstructure:"concurrency"`
	RequestDelayMs             int               `json:"requestDelay" mapstructure:"requestDelay"`
	TimeoutMs                  int               `json:"timeout" mapstructure:"timeout"`
	BaseURL                    string            `json:"baseURL" mapstructure:"baseURL"`
	GeographyCode              string            `json:"geographyCode" mapstructure:"geographyCode"`
	ProxyEnabled               bool              `json:"proxyEnabled" mapstructure:"proxyEnabled"`
	ProxyRotateByCount         int               `json:"proxyRotateByCount" mapstructure:"proxyRotateByCount"`
	ProxyRotateByTime          int               `json:"proxyRotateByTime" mapstructure:"proxyRotateByTime"` // seconds
	ProxyMaxFailures           int               `json:"proxyMaxFailures" mapstructure:"proxyMaxFailures"`
	ProxySwitchOnFail          bool              `json:"proxySwitchOnFail" mapstructure:"proxySwitchOnFail"`
	ProxyFailRetryCount        int               `json:"proxyFailRetryCount" mapstructure:"proxyFailRetryCount"`
	FingerprintRotate          FingerprintRotate `json:"fingerprintRotate" mapstructure:"fingerprintRotate"`
	FingerprintRotateOnCaptcha bool              `json:"fingerprintRotateOnCaptcha" mapstructure:"fingerprintRotateOnCaptcha"`
	FingerprintRotateCount     int               `json:"fingerprintRotateCount" mapstructure:"fingerprintRotateCount"`
	CaptchaHandling            CaptchaHandling   `json:"captchaHandling" mapstructure:"captchaHandling"`
	CaptchaRetryCount          int               `json:"captchaRetryCount" mapstructure:"captchaRetryCount"`
	CaptchaTimeoutSec          int               `json:"captchaTimeout" mapstructure:"captchaTimeout"`
	SaveRawResponse            bool              `json:"saveRawResponse" mapstructure:"saveRawResponse"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:                5,
		RequestDelayMs:             1000,
		TimeoutMs:                  30000,
		BaseURL:                    "https://www.amazon.com",
		GeographyCode:              "10001",
		ProxyEnabled:               false,
		ProxyRotateByCount:         10,
		ProxyRotateByTime:          60,
		ProxyMaxFailures:           3,
		ProxySwitchOnFail:          true,
		ProxyFailRetryCount:        2,
		FingerprintRotate:          RotateNone,
		FingerprintRotateOnCaptcha: true,
		FingerprintRotateCount:     10,
		CaptchaHandling:            CaptchaAuto,
		CaptchaRetryCount:          2,
		CaptchaTimeoutSec:          300,
		SaveRawResponse:            false,
	}
}

// Normalize fills values that have no meaning at zero. The proxy rotation
// windows and retry counts are left alone because zero disables them.
func (s Settings) Normalize() Settings {
	d := DefaultSettings()
	if s.Concurrency <= 0 {
		s.Concurrency = d.Concurrency
	}
	if s.RequestDelayMs < 0 {
		s.RequestDelayMs = 0
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = d.TimeoutMs
	}
	if s.BaseURL == "" {
		s.BaseURL = d.BaseURL
	}
	if s.GeographyCode == "" {
		s.GeographyCode = d.GeographyCode
	}
	if s.ProxyMaxFailures <= 0 {
		s.ProxyMaxFailures = d.ProxyMaxFailures
	}
	if s.FingerprintRotate == "" {
		s.FingerprintRotate = RotateNone
	}
	if s.FingerprintRotateCount <= 0 {
		s.FingerprintRotateCount = d.FingerprintRotateCount
	}
	if s.CaptchaHandling == "" {
		s.CaptchaHandling = CaptchaAuto
	}
	if s.CaptchaTimeoutSec <= 0 {
		s.CaptchaTimeoutSec = d.CaptchaTimeoutSec
	}
	return s
}

// Validate rejects unknown enum values.
func (s Settings) Validate() error {
	switch s.FingerprintRotate {
	case RotateNone, RotateBatch, RotateCount, RotateRequest:
	default:
		return fmt.Errorf("settings: unknown fingerprintRotate %q", s.FingerprintRotate)
	}
	switch s.CaptchaHandling {
	case CaptchaAuto, CaptchaSkip, CaptchaRetry:
	default:
		return fmt.Errorf("settings: unknown captchaHandling %q", s.CaptchaHandling)
	}
	if s.ProxyRotateByCount < 0 || s.ProxyRotateByTime < 0 {
		return fmt.Errorf("settings: proxy rotation windows cannot be negative")
	}
	if s.ProxyFailRetryCount < 0 || s.CaptchaRetryCount < 0 {
		return fmt.Errorf("settings: retry counts cannot be negative")
	}
	return nil
}

func (s Settings) RequestDelay() time.Duration {
	return time.Duration(s.RequestDelayMs) * time.Millisecond
}

func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s Settings) CaptchaTimeout() time.Duration {
	return time.Duration(s.CaptchaTimeoutSec) * time.Second
}

func (s Settings) ProxyRotateInterval() time.Duration {
	return time.Duration(s.ProxyRotateByTime) * time.Second
}
