package textutil

import "testing"

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already clean", "Why Glass Bends Light", "Why Glass Bends Light"},
		{"quoted", `"the science of sleep"`, "The Science Of Sleep"},
		{"extra whitespace", "  deep   ocean\tcurrents ", "Deep Ocean Currents"},
		{"empty", "   ", ""},
		{"only quotes", `""`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTitle(tt.input); got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
