package useragent

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"testing"
)

func TestGenerate_Coherent(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	chromeVersion := regexp.MustCompile(`Chrome/(11[89]|12[0-2])\.0\.0\.0`)
	safariVersion := regexp.MustCompile(`Version/(16\.6|17\.[0-2]) Safari`)

	seen := map[Browser]int{}
	for i := 0; i < 2000; i++ {
		id := Generate(rng)
		seen[id.Browser]++

		switch id.Browser {
		case Chrome:
			if !chromeVersion.MatchString(id.UserAgent) {
				t.Fatalf("chrome version out of range: %s", id.UserAgent)
			}
			if id.SecCHUA == "" || !strings.Contains(id.SecCHUA, `"Google Chrome";v="`+strings.Split(id.Version, ".")[0]+`"`) {
				t.Fatalf("chrome client hints do not match version: %q vs %s", id.SecCHUA, id.Version)
			}
			hints := id.ClientHints()
			if hints["sec-ch-ua-mobile"] != "?0" || hints["sec-ch-ua-platform"] != id.Platform {
				t.Fatalf("unexpected client hints %v", hints)
			}
		case Firefox:
			if id.SecCHUA != "" || id.ClientHints() != nil {
				t.Fatalf("firefox must not send client hints")
			}
			if !strings.Contains(id.UserAgent, "Firefox/"+id.Version) {
				t.Fatalf("firefox UA missing version: %s", id.UserAgent)
			}
		case Safari:
			if id.OS != MacOS {
				t.Fatalf("safari must claim macOS, got %s", id.OS)
			}
			if id.SecCHUA != "" {
				t.Fatalf("safari must not send client hints")
			}
			if !safariVersion.MatchString(id.UserAgent) {
				t.Fatalf("safari version out of range: %s", id.UserAgent)
			}
		}

		if id.OS == Windows && !strings.Contains(id.UserAgent, "Windows NT") {
			t.Fatalf("windows identity with non windows UA: %s", id.UserAgent)
		}
		if id.OS == MacOS && !strings.Contains(id.UserAgent, "Macintosh") {
			t.Fatalf("macOS identity with non mac UA: %s", id.UserAgent)
		}
	}

	// chrome carries three fifths of the weight
	if seen[Chrome] < seen[Firefox] || seen[Chrome] < seen[Safari] {
		t.Errorf("expected chrome to dominate, got %v", seen)
	}
}

func TestGenerate_GlobalSource(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id := Generate(nil); id.UserAgent == "" {
				t.Errorf("expected a user agent")
			}
		}()
	}
	wg.Wait()
}
