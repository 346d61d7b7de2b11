package validation

import "testing"

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  summer-25 "); got != "SUMMER-25" {
		t.Errorf("NormalizeCode = %q, want SUMMER-25", got)
	}
}

func TestIsValidCode(t *testing.T) {
	valid := []string{"SUMMER25", "GIFT-2026-XYZ", "AB12"}
	for _, c := range valid {
		if !IsValidCode(c) {
			t.Errorf("IsValidCode(%q) = false, want true", c)
		}
	}

	invalid := []string{"", "AB", "-LEADING", "TRAILING-", "lower", "HAS SPACE", "WAY-TOO-LONG-CODE-THAT-EXCEEDS-THE-LIMIT"}
	for _, c := range invalid {
		if IsValidCode(c) {
			t.Errorf("IsValidCode(%q) = true, want false", c)
		}
	}
}

func TestIsValidAmount(t *testing.T) {
	if !IsValidAmount(500, 100, 1000) {
		t.Error("500 within [100,1000] should be valid")
	}
	if IsValidAmount(0, 100, 1000) {
		t.Error("0 below min should be invalid")
	}
	if IsValidAmount(-5, -10, 1000) {
		t.Error("negative amounts should never pass sensible bounds")
	}
	if IsValidAmount(2000, 100, 1000) {
		t.Error("2000 above max should be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncation = %q, want abc", got)
	}
}
