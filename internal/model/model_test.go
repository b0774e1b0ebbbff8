package model

import (
	"errors"
	"testing"
	"time"
)

func TestValidateInstrument(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"symbol uppercased", "bonk", "BONK", false},
		{"symbol already upper", "SOL", "SOL", false},
		{"mint address kept as-is", "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", false},
		{"thirteen chars not uppercased", "abcdefghijklm", "abcdefghijklm", false},
		{"surrounding whitespace trimmed", " wif ", "WIF", false},
		{"empty", "", "", true},
		{"too long", "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263X", "", true},
		{"punctuation", "not-a-mint", "", true},
		{"spaces inside", "so l", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateInstrument(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInstrument) {
					t.Fatalf("err = %v, want ErrInvalidInstrument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v, want nil", err)
			}
			if got != tt.want {
				t.Errorf("canonical = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPriceTickAge(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	tick := PriceTick{CapturedAt: at}

	if got := tick.Age(at.Add(30 * time.Second)); got != 30*time.Second {
		t.Errorf("age = %v, want 30s", got)
	}
}
