package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "0", want: "Rp0"},
		{in: "100", want: "Rp100"},
		{in: "1000", want: "Rp1.000"},
		{in: "1250000", want: "Rp1.250.000"},
		{in: "10500.5", want: "Rp10.500,50"},
		{in: "-2500", want: "-Rp2.500"},
		{in: "600.00", want: "Rp600"},
	}
	for _, tt := range tests {
		if got := Format("Rp", decimal.RequireFromString(tt.in)); got != tt.want {
			t.Fatalf("Format(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
