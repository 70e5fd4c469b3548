package forecast

import (
	"context"
	"errors"
	"os"
	"testing"
)

func fastSequence(inline bool) SequenceOptions {
	opts := DefaultSequenceOptions()
	opts.Epochs = 4
	opts.Inline = inline
	return opts
}

func TestSequence_TrainsAndPersists(t *testing.T) {
	art := NewArtifacts(t.TempDir())
	q := NewSequence(art, fastSequence(false))
	s := diurnal(300)

	c, err := q.FitAndForecast(context.Background(), "1,2", s, 48)
	if err != nil {
		t.Fatalf("FitAndForecast: %v", err)
	}
	checkCandidate(t, c, s, 48)
	for _, name := range []string{"sequence_hourly.json", "sequence_scaler.json"} {
		if _, err := os.Stat(art.Path("1,2", name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
	if c.Diagnostics.ValidationPoints == 0 {
		t.Error("expected validation residuals")
	}

	again, err := q.FitAndForecast(context.Background(), "1,2", s, 48)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if again.Diagnostics.Extra["reused"] != 1 {
		t.Error("second call should load the persisted network")
	}
	for i := range c.Points {
		if c.Points[i].Yhat != again.Points[i].Yhat {
			t.Fatalf("point %d differs after reload: %v vs %v", i, c.Points[i].Yhat, again.Points[i].Yhat)
		}
	}
}

func TestSequence_Inline(t *testing.T) {
	q := NewSequence(nil, fastSequence(true))
	s := diurnal(300)
	c, err := q.FitAndForecast(context.Background(), "1,2", s, 24)
	if err != nil {
		t.Fatalf("FitAndForecast: %v", err)
	}
	checkCandidate(t, c, s, 24)
	if c.ArtifactPath != "" {
		t.Errorf("inline mode persisted %q", c.ArtifactPath)
	}
	if c.Diagnostics.Extra["inline"] != 1 {
		t.Error("inline flag missing from diagnostics")
	}
}

func TestSequence_Errors(t *testing.T) {
	q := NewSequence(nil, fastSequence(true))
	if _, err := q.FitAndForecast(context.Background(), "1,2", diurnal(250), 48); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("short series err = %v, want ErrInsufficientHistory", err)
	}

	noDir := NewSequence(nil, fastSequence(false))
	if err := noDir.Available(); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("Available without artifacts dir = %v, want ErrModelUnavailable", err)
	}
	if _, err := noDir.FitAndForecast(context.Background(), "1,2", diurnal(300), 48); !errors.Is(err, ErrModelUnavailable) {
		t.Errorf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestSequence_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := NewSequence(nil, fastSequence(true))
	if _, err := q.FitAndForecast(ctx, "1,2", diurnal(300), 48); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSequence_SkipsWindowsAcrossGaps(t *testing.T) {
	s := without(diurnal(120), 50, 55)
	starts := windowStarts(s, 24)
	for _, i := range starts {
		if !s.Contiguous(i, 25) {
			t.Fatalf("window at %d crosses a gap", i)
		}
	}
	// 50 points before the gap give 26 windows, 65 after give 41.
	if len(starts) != 26+41 {
		t.Errorf("got %d windows, want %d", len(starts), 26+41)
	}
}

func TestSequence_GapInLastWindow(t *testing.T) {
	q := NewSequence(nil, fastSequence(true))
	s := without(diurnal(340), 300, 305)
	if _, err := q.FitAndForecast(context.Background(), "1,2", s, 24); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("err = %v, want ErrInsufficientHistory", err)
	}
}
