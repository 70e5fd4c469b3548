package models

import (
	"math"
	"testing"
	"time"
)

func hourly(hours ...int) Series {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Series{Step: time.Hour}
	for _, h := range hours {
		s.Points = append(s.Points, Point{T: base.Add(time.Duration(h) * time.Hour), V: float64(h)})
	}
	return s
}

func TestSeriesGrid(t *testing.T) {
	g := hourly(0, 1, 4, 5).Grid()
	if len(g) != 6 {
		t.Fatalf("grid length = %d, want 6", len(g))
	}
	for i, want := range []float64{0, 1, math.NaN(), math.NaN(), 4, 5} {
		if math.IsNaN(want) != math.IsNaN(g[i]) || (!math.IsNaN(want) && g[i] != want) {
			t.Errorf("slot %d = %v, want %v", i, g[i], want)
		}
	}
	if g := (Series{Step: time.Hour}).Grid(); g != nil {
		t.Errorf("empty series grid = %v, want nil", g)
	}
}

func TestSeriesContiguous(t *testing.T) {
	s := hourly(0, 1, 2, 7, 8, 9)
	tests := []struct {
		i, n int
		want bool
	}{
		{0, 3, true},
		{0, 4, false},
		{2, 2, false},
		{3, 3, true},
		{5, 1, true},
	}
	for _, tt := range tests {
		if got := s.Contiguous(tt.i, tt.n); got != tt.want {
			t.Errorf("Contiguous(%d, %d) = %v, want %v", tt.i, tt.n, got, tt.want)
		}
	}
}
