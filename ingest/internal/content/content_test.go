package content

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		e    Entry
		want error
	}{
		{"summary only", Entry{Link: "https://x/1", Summary: "s"}, nil},
		{"fulltext only", Entry{Link: "https://x/1", FullText: "f"}, nil},
		{"no body", Entry{Link: "https://x/1", Title: "only a title"}, ErrNoBody},
		{"blank body", Entry{Link: "https://x/1", Summary: "  \n"}, ErrNoBody},
		{"no link", Entry{Summary: "s"}, ErrNoLink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.e); !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEntryText(t *testing.T) {
	e := Entry{Title: "T", Summary: " ", FullText: "F"}
	if got := e.Text(); got != "T\n\nF" {
		t.Fatalf("Text = %q", got)
	}
}

func TestTagset(t *testing.T) {
	got := Tagset("ML", " ml", "", "cs.AI", "physics")
	want := []string{"cs.ai", "ml", "physics"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tagset = %v, want %v", got, want)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"Fri, 01 Mar 2024 10:00:00 +0000", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"Fri, 1 Mar 2024 10:00:00 GMT", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"yesterday", time.Time{}},
		{"", time.Time{}},
	}
	for _, tt := range tests {
		if got := ParseTime(tt.in); !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
