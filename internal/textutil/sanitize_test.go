package textutil

import "testing"

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"USB STICK", "USB STICK"},
		{"a/b\\c:d", "a-b-c-d"},
		{"what?<>|", "what"},
		{"  padded  ", "padded"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SanitizeFileName(tc.input); got != tc.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSanitizeToken(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"KINGSTON", "kingston"},
		{"My Stick!", "my_stick"},
		{"___", "unknown"},
		{"", "unknown"},
		{"usb-2", "usb-2"},
	}
	for _, tc := range cases {
		if got := SanitizeToken(tc.input); got != tc.want {
			t.Errorf("SanitizeToken(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestDisplayLabel(t *testing.T) {
	if got := DisplayLabel("HOLIDAY PHOTOS", "sda1"); got != "Holiday Photos" {
		t.Errorf("all-caps label: got %q", got)
	}
	if got := DisplayLabel("", "sda1"); got != "sda1" {
		t.Errorf("empty label: got %q", got)
	}
	if got := DisplayLabel("MixedCase", "sda1"); got != "MixedCase" {
		t.Errorf("mixed label should pass through: got %q", got)
	}
}
