package money

import "testing"

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Amount
	}{
		{"whole", "50", 5000},
		{"whole and frac", "50.00", 5000},
		{"fifty cents", "0.50", 50},
		{"smallest unit", "0.01", 1},
		{"short frac", "1.5", 150},
		{"large amount", "9999999.99", 999999999},
		{"leading zeros", "007.50", 750},
		{"empty is zero", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.0.0"},
		{"three decimals", "1.005"},
		{"letters", "abc"},
		{"mixed", "1.0a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) = ok, want invalid", tt.input)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount Amount
		want   string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{50, "0.50"},
		{5000, "50.00"},
		{999999999, "9999999.99"},
		{-150, "-1.50"},
	}

	for _, tt := range tests {
		if got := tt.amount.Format(); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.01", "1.00", "5000.00", "123.45"} {
		a, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := a.Format(); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}
