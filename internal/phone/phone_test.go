package phone

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 000-1111": "+15550001111",
		"15550001111":       "+15550001111",
		"0044 20 7946 0958": "+442079460958",
		" 7.912.345.67.89 ": "+79123456789",
		"":                  "",
		"12345":             "",
		"+1234567890123456": "",
		"call me":           "",
		"+1 555 000 111x":   "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}
