package core

import (
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		typ      IndicatorType
		value    string
		expected string
	}{
		{"ip plain", IndicatorTypeIP, "10.20.30.40", "10.20.30.40"},
		{"ip with port", IndicatorTypeIP, "10.20.30.40:8080", "10.20.30.40"},
		{"ip whitespace", IndicatorTypeIP, "  10.20.30.40 ", "10.20.30.40"},
		{"ipv6 case", IndicatorTypeIP, "2001:DB8::1", "2001:db8::1"},
		{"ipv6 bracketed port", IndicatorTypeIP, "[2001:db8::1]:443", "2001:db8::1"},
		{"domain case", IndicatorTypeDomain, "EVIL.Example.COM", "evil.example.com"},
		{"domain trailing dot", IndicatorTypeDomain, "evil.example.com.", "evil.example.com"},
		{"url case and slash", IndicatorTypeURL, "HTTP://Evil.COM/path/", "http://evil.com/path"},
		{"url preserves path case", IndicatorTypeURL, "http://evil.com/PaTh", "http://evil.com/PaTh"},
		{"sha256 case", IndicatorTypeSHA256, "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789", "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"},
		{"md5 case", IndicatorTypeMD5, "D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.typ, tt.value)
			if got != tt.expected {
				t.Errorf("Normalize(%s, %q) = %q, want %q", tt.typ, tt.value, got, tt.expected)
			}
			// Normalization must be idempotent
			again := Normalize(tt.typ, got)
			if again != got {
				t.Errorf("Normalize not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		value    string
		expected IndicatorType
	}{
		{"10.20.30.40", IndicatorTypeIP},
		{"2001:db8::1", IndicatorTypeIP},
		{"http://evil.com/payload", IndicatorTypeURL},
		{"HTTPS://evil.com", IndicatorTypeURL},
		{"evil.example.com", IndicatorTypeDomain},
		{"d41d8cd98f00b204e9800998ecf8427e", IndicatorTypeMD5},
		{"da39a3ee5e6b4b0d3255bfef95601890afd80709", IndicatorTypeSHA1},
		{"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", IndicatorTypeSHA256},
		// 48 hex chars matches no hash length and falls back to domain
		{"abcdef0123456789abcdef0123456789abcdef0123456789", IndicatorTypeDomain},
		{"not an indicator at all", IndicatorTypeDomain},
	}

	for _, tt := range tests {
		if got := DetectType(tt.value); got != tt.expected {
			t.Errorf("DetectType(%q) = %s, want %s", tt.value, got, tt.expected)
		}
	}
}

func TestNewIoCRecord(t *testing.T) {
	seenAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewIoCRecord(IndicatorInput{
		Value:      "10.20.30.40:8080",
		ThreatType: "brute_force",
		Source:     "sensor-1",
		Confidence: 70,
		Tags:       []string{"ssh", "ssh", ""},
		SeenAt:     seenAt,
	})

	if rec.Type != IndicatorTypeIP {
		t.Errorf("expected inferred type ip, got %s", rec.Type)
	}
	if rec.Normalized != "10.20.30.40" {
		t.Errorf("expected normalized 10.20.30.40, got %s", rec.Normalized)
	}
	if rec.Status != IndicatorStatusActive {
		t.Errorf("expected active status, got %s", rec.Status)
	}
	if rec.Sightings != 1 {
		t.Errorf("expected 1 sighting, got %d", rec.Sightings)
	}
	if rec.ReputationScore != DefaultReputationScore {
		t.Errorf("expected neutral reputation seed, got %f", rec.ReputationScore)
	}
	if !rec.FirstSeen.Equal(seenAt) || !rec.LastSeen.Equal(seenAt) {
		t.Errorf("expected first/last seen %v, got %v/%v", seenAt, rec.FirstSeen, rec.LastSeen)
	}
	if len(rec.Tags) != 1 || rec.Tags[0] != "ssh" {
		t.Errorf("expected deduplicated tags [ssh], got %v", rec.Tags)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("fresh record should validate: %v", err)
	}
}

func TestApplySighting(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewIoCRecord(IndicatorInput{
		Value:      "10.20.30.40",
		Confidence: 70,
		Tags:       []string{"ssh"},
		SeenAt:     first,
	})

	later := first.Add(2 * time.Hour)
	rec.ApplySighting(IndicatorInput{
		Value:      "10.20.30.40",
		Confidence: 90,
		Tags:       []string{"ssh", "botnet"},
		Metadata:   map[string]string{MetaRegion: "eu-west"},
		SeenAt:     later,
	})

	if rec.Sightings != 2 {
		t.Errorf("expected 2 sightings, got %d", rec.Sightings)
	}
	if !rec.LastSeen.Equal(later) {
		t.Errorf("expected last seen extended to %v, got %v", later, rec.LastSeen)
	}
	if !rec.FirstSeen.Equal(first) {
		t.Errorf("first seen must not move, got %v", rec.FirstSeen)
	}
	if rec.Confidence != 90 {
		t.Errorf("expected confidence raised to 90, got %f", rec.Confidence)
	}
	if len(rec.Tags) != 2 {
		t.Errorf("expected tag union [ssh botnet], got %v", rec.Tags)
	}
	if rec.Metadata[MetaRegion] != "eu-west" {
		t.Errorf("expected merged metadata, got %v", rec.Metadata)
	}
}

func TestApplySightingOutOfOrder(t *testing.T) {
	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewIoCRecord(IndicatorInput{Value: "10.20.30.40", SeenAt: first})

	// A sighting older than LastSeen still counts but does not rewind time
	rec.ApplySighting(IndicatorInput{Value: "10.20.30.40", SeenAt: first.Add(-time.Hour), Confidence: 10})

	if rec.Sightings != 2 {
		t.Errorf("expected 2 sightings, got %d", rec.Sightings)
	}
	if !rec.LastSeen.Equal(first) {
		t.Errorf("last seen must not rewind, got %v", rec.LastSeen)
	}
}

func TestApplySightingReactivatesExpired(t *testing.T) {
	rec := NewIoCRecord(IndicatorInput{Value: "10.20.30.40"})
	rec.Status = IndicatorStatusExpired

	rec.ApplySighting(IndicatorInput{Value: "10.20.30.40"})

	if rec.Status != IndicatorStatusActive {
		t.Errorf("expected sighting to reactivate expired record, got %s", rec.Status)
	}
}

func TestIsRedistributable(t *testing.T) {
	rec := NewIoCRecord(IndicatorInput{Value: "10.20.30.40"})
	if rec.IsRedistributable() {
		t.Error("record without the flag must not be redistributable")
	}
	rec.Metadata[MetaRedistributable] = "true"
	if !rec.IsRedistributable() {
		t.Error("flagged record should be redistributable")
	}
}

func TestClampScore(t *testing.T) {
	if got := ClampScore(-5); got != 0 {
		t.Errorf("ClampScore(-5) = %f, want 0", got)
	}
	if got := ClampScore(150); got != 100 {
		t.Errorf("ClampScore(150) = %f, want 100", got)
	}
	if got := ClampScore(42.5); got != 42.5 {
		t.Errorf("ClampScore(42.5) = %f, want 42.5", got)
	}
}
