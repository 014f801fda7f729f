// Package useragent generates coherent desktop browser identities: a
// User-Agent string and, for Chromium, the matching client hints.
package useragent

import (
	"fmt"
	"math/rand/v2"
)

// Browser is a browser family.
type Browser string

const (
	Chrome  Browser = "chrome"
	Firefox Browser = "firefox"
	Safari  Browser = "safari"
)

// OS is the desktop platform an identity claims.
type OS string

const (
	Windows OS = "windows"
	MacOS   OS = "macos"
)

// Identity is one generated fingerprint.
type Identity struct {
	Browser   Browser
	OS        OS
	Version   string
	UserAgent string
	// SecCHUA is empty for browsers that do not send client hints.
	SecCHUA string
	// Platform is the quoted sec-ch-ua-platform value.
	Platform string
}

// ClientHints returns the sec-ch-ua headers for the identity, or nil.
func (id Identity) ClientHints() map[string]string {
	if id.SecCHUA == "" {
		return nil
	}
	return map[string]string{
		"sec-ch-ua":          id.SecCHUA,
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": id.Platform,
	}
}

var (
	// chrome is weighted three to one against the others
	browsers   = []Browser{Chrome, Chrome, Chrome, Firefox, Safari}
	macTokens  = []string{"10_15_7", "11_0", "12_0", "13_0", "14_0"}
	winTokens  = []string{"10.0", "11.0"}
	brandLists = []string{
		`"Not_A Brand";v="8", "Chromium";v="%[1]d", "Google Chrome";v="%[1]d"`,
		`"Google Chrome";v="%[1]d", "Chromium";v="%[1]d", "Not?A_Brand";v="24"`,
		`"Chromium";v="%[1]d", "Not)A;Brand";v="99", "Google Chrome";v="%[1]d"`,
	}
)

// Source is the part of *rand.Rand that Generate draws from.
type Source interface {
	IntN(n int) int
	Float64() float64
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

func (globalRand) Float64() float64 { return rand.Float64() }

// Generate builds a random identity from rng, or from the global source when
// rng is nil.
func Generate(rng Source) Identity {
	if rng == nil {
		rng = globalRand{}
	}

	browser := browsers[rng.IntN(len(browsers))]
	os := Windows
	if rng.Float64() >= 0.7 {
		os = MacOS
	}
	if browser == Safari {
		os = MacOS
	}
	platform := `"Windows"`
	if os == MacOS {
		platform = `"macOS"`
	}

	major := 118 + rng.IntN(5)
	mac := macTokens[rng.IntN(len(macTokens))]
	win := winTokens[rng.IntN(len(winTokens))]

	id := Identity{Browser: browser, OS: os, Platform: platform}
	switch browser {
	case Chrome:
		id.Version = fmt.Sprintf("%d.0.0.0", major)
		if os == Windows {
			id.UserAgent = fmt.Sprintf("Mozilla/5.0 (Windows NT %s; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", win, id.Version)
		} else {
			id.UserAgent = fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X %s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", mac, id.Version)
		}
		id.SecCHUA = fmt.Sprintf(brandLists[rng.IntN(len(brandLists))], major)
	case Firefox:
		id.Version = fmt.Sprintf("%d.0", major)
		if os == Windows {
			id.UserAgent = fmt.Sprintf("Mozilla/5.0 (Windows NT %s; Win64; x64; rv:%s) Gecko/20100101 Firefox/%s", win, id.Version, id.Version)
		} else {
			id.UserAgent = fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X %s; rv:%s) Gecko/20100101 Firefox/%s", mac, id.Version, id.Version)
		}
	case Safari:
		id.Version = "16.6"
		if rng.Float64() < 0.5 {
			id.Version = fmt.Sprintf("17.%d", rng.IntN(3))
		}
		id.UserAgent = fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X %s) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15", mac, id.Version)
	}
	return id
}
