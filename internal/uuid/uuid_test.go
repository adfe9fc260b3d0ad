// Package uuid provides unit tests for identifier generation.
package uuid

import (
	"regexp"
	"testing"
	"time"
)

// TestNewItemID tests that NewItemID() generates valid uuid v4 strings.
func TestNewItemID(t *testing.T) {
	id := NewItemID()

	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidRegex.MatchString(id) {
		t.Errorf("Generated id does not match v4 format: %s", id)
	}
	if !IsItemID(id) {
		t.Errorf("IsItemID(%q) = false", id)
	}
}

// TestNewItemIDUniqueness tests that ids do not repeat.
func TestNewItemIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewItemID()
		if ids[id] {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		ids[id] = true
	}
}

// TestParseItemIDRejects tests invalid inputs.
func TestParseItemIDRejects(t *testing.T) {
	for _, in := range []string{"", "not-a-uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"} {
		if _, err := ParseItemID(in); err == nil {
			t.Errorf("ParseItemID(%q) expected error", in)
		}
	}
}

// TestNewCorrelationIDOrdering tests that ids sort by time.
func TestNewCorrelationIDOrdering(t *testing.T) {
	now := time.Now()
	first := NewCorrelationID(now)
	second := NewCorrelationID(now.Add(time.Millisecond))

	if len(first) != 26 {
		t.Errorf("len(correlation id) = %d, want 26", len(first))
	}
	if !(first < second) {
		t.Errorf("expected %s < %s", first, second)
	}
}
