package utils

import (
	"errors"
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float32
		wantErr error
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "empty", a: nil, b: []float32{1}, wantErr: ErrEmptyVector},
		{name: "mismatch", a: []float32{1, 2}, b: []float32{1}, wantErr: ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTruncateWithEllipsis(t *testing.T) {
	long := ""
	for i := 0; i < 160; i++ {
		long += "a"
	}
	got := TruncateWithEllipsis(long, 150)
	if len([]rune(got)) != 150 || got[147:] != "..." {
		t.Fatalf("expected 147 runes plus ellipsis, got %d runes ending %q", len([]rune(got)), got[len(got)-3:])
	}
	if TruncateWithEllipsis("short", 150) != "short" {
		t.Error("short text must be unchanged")
	}
	if got := TruncateWithEllipsis("héllo wörld", 8); got != "héllo..." {
		t.Errorf("expected rune-aware truncation, got %q", got)
	}
}

func TestClipRunes(t *testing.T) {
	if got := ClipRunes("🙏🙏🙏", 2); got != "🙏🙏" {
		t.Errorf("expected two emoji, got %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("   ") != 0 {
		t.Error("blank text should be zero tokens")
	}
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Errorf("expected 2 tokens, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("expected partial tokens to round up, got %d", got)
	}
}
