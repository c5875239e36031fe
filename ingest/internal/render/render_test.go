package render

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/savoir/horosafe"
)

func TestRender_BlockedURL(t *testing.T) {
	// WHAT: Private targets are refused before any browser is started.
	// WHY: Rendering must not become a way around the SSRF guard.
	b := New(Config{})
	defer b.Close()

	_, err := b.Render(context.Background(), "http://127.0.0.1:9/admin")
	if !errors.Is(err, horosafe.ErrSSRF) {
		t.Fatalf("err = %v, want ErrSSRF", err)
	}
	if b.browser != nil {
		t.Fatal("browser started for a blocked URL")
	}
}

func TestClose_NotStarted(t *testing.T) {
	if err := New(Config{}).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
