package rodbrowser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"

	"github.com/FranksOps/snare/internal/captcha"
)

func TestConvert(t *testing.T) {
	got := convert([]*proto.NetworkCookie{
		{Name: "session-id", Value: "abc"},
		nil,
		{Name: "ubid-main", Value: "123"},
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(got))
	}
	if header := captcha.CookieHeader(got); header != "session-id=abc; ubid-main=123" {
		t.Errorf("header = %q", header)
	}
}

func TestCloseWithoutLaunch(t *testing.T) {
	b := New(Config{Headless: true})
	if err := b.Close(); err != nil {
		t.Errorf("Close before launch: %v", err)
	}
}
