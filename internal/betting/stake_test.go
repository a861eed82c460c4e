package betting

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseStake(t *testing.T) {
	tests := []struct {
		name    string
		raw     any
		want    string
		wantErr bool
	}{
		{"int", 150, "150", false},
		{"int64", int64(150), "150", false},
		{"float", 150.5, "150.5", false},
		{"string", "150", "150", false},
		{"padded string", " 99.99 ", "99.99", false},
		{"json number", json.Number("200"), "200", false},
		{"decimal", decimal.NewFromInt(7), "7", false},
		{"negative string", "-5", "-5", false},
		{"word", "abc", "", true},
		{"empty is not zero", "", "", true},
		{"blank", "   ", "", true},
		{"nan", math.NaN(), "", true},
		{"inf", math.Inf(1), "", true},
		{"nil", nil, "", true},
		{"bool", true, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStake(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStake(%v) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseStake(%v) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestMinorUnits(t *testing.T) {
	if got := ToMinorUnits(decimal.RequireFromString("150")); got != 15000 {
		t.Errorf("ToMinorUnits(150) = %d, want 15000", got)
	}
	if got := ToMinorUnits(decimal.RequireFromString("0.005")); got != 1 {
		t.Errorf("ToMinorUnits(0.005) = %d, want 1", got)
	}
	if got := FromMinorUnits(7000); !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("FromMinorUnits(7000) = %s, want 70", got)
	}
	if got := FromMinorUnits(12345); got.String() != "123.45" {
		t.Errorf("FromMinorUnits(12345) = %s, want 123.45", got)
	}
}

func TestFormatMoney(t *testing.T) {
	if got := FormatMoney("KSh", decimal.NewFromInt(150)); got != "KSh 150.00" {
		t.Errorf("FormatMoney() = %q", got)
	}
	if got := FormatMoney("KSh", decimal.RequireFromString("99.5")); got != "KSh 99.50" {
		t.Errorf("FormatMoney() = %q", got)
	}
}
