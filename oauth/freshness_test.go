package oauth

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExpiringSoon(t *testing.T) {
	buffer := 10 * time.Minute
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero expiry always expiring", time.Time{}, true},
		{"already expired", time.Now().Add(-time.Hour), true},
		{"inside buffer", time.Now().Add(5 * time.Minute), true},
		{"well outside buffer", time.Now().Add(time.Hour), false},
		{"exactly at buffer is expiring", time.Now().Add(buffer - time.Millisecond), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpiringSoon(tt.expiresAt, buffer); got != tt.want {
				t.Errorf("ExpiringSoon(%v, %v) = %v, want %v", tt.expiresAt, buffer, got, tt.want)
			}
		})
	}
}

func TestParseInstant(t *testing.T) {
	ref := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want time.Time
		ok   bool
	}{
		{"nil", nil, time.Time{}, false},
		{"time.Time", ref, ref, true},
		{"zero time.Time", time.Time{}, time.Time{}, false},
		{"pointer", &ref, ref, true},
		{"nil pointer", (*time.Time)(nil), time.Time{}, false},
		{"epoch seconds int", int(ref.Unix()), ref, true},
		{"epoch millis int64", ref.UnixMilli(), ref, true},
		{"epoch seconds float", float64(ref.Unix()), ref, true},
		{"epoch millis float", float64(ref.UnixMilli()), ref, true},
		{"json.Number millis", json.Number("1773480413000"), time.UnixMilli(1773480413000), true},
		{"RFC3339 string", "2026-03-14T09:26:53Z", ref, true},
		{"numeric string seconds", "1773480413", time.Unix(1773480413, 0), true},
		{"garbage string", "not a time", time.Time{}, false},
		{"empty string", "", time.Time{}, false},
		{"negative epoch", int64(-5), time.Time{}, false},
		{"zero epoch", 0, time.Time{}, false},
		{"unsupported type", []string{"x"}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseInstant(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseInstantMagnitudeHeuristic(t *testing.T) {
	// A 2033 expiry in seconds must not be read as 1970s milliseconds.
	secs := time.Date(2033, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	got, ok := ParseInstant(secs)
	if !ok {
		t.Fatal("expected ok")
	}
	if got.Year() != 2033 {
		t.Errorf("year = %d, want 2033 (seconds misread as millis?)", got.Year())
	}

	millis := time.Date(2033, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	got, ok = ParseInstant(millis)
	if !ok {
		t.Fatal("expected ok")
	}
	if got.Year() != 2033 {
		t.Errorf("year = %d, want 2033 (millis misread as seconds?)", got.Year())
	}
}
