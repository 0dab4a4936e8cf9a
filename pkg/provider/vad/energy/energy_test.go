package energy

import (
	"testing"

	"github.com/voxgate/voxgate/pkg/provider/vad"
)

func chunk(amplitude int16) []int16 {
	pcm := make([]int16, 512)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amplitude
		} else {
			pcm[i] = -amplitude
		}
	}
	return pcm
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	s, err := New().NewSession(vad.Config{
		SampleRate:       16000,
		ChunkSamples:     512,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.3,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestClassifyThresholds(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	defer s.Close()

	res, err := s.Classify(chunk(0))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Label != vad.Silence {
		t.Fatalf("silence chunk classified as %v", res.Label)
	}

	res, err = s.Classify(chunk(32000))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Label != vad.Voice {
		t.Fatalf("loud chunk classified as %v", res.Label)
	}
	if res.Score < 0.5 {
		t.Fatalf("loud chunk score = %f", res.Score)
	}
}

func TestHysteresisKeepsPreviousLabel(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	defer s.Close()

	// Drive into Voice, then feed a chunk whose smoothed score lands between
	// the thresholds. The label must stick.
	for range 3 {
		if _, err := s.Classify(chunk(32000)); err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}
	// ~0.4 raw RMS: between 0.3 and 0.5.
	res, err := s.Classify(chunk(13000))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Score <= 0.3 || res.Score >= 1.0 {
		t.Fatalf("unexpected score %f", res.Score)
	}
	if res.Label != vad.Voice {
		t.Fatalf("mid-band chunk flipped label to %v", res.Label)
	}

	// Silence eventually wins once the smoothed score decays below T_low.
	var last vad.Result
	for range 10 {
		last, err = s.Classify(chunk(0))
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}
	if last.Label != vad.Silence {
		t.Fatalf("sustained silence still labelled %v (score %f)", last.Label, last.Score)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	defer s.Close()

	for range 3 {
		if _, err := s.Classify(chunk(32000)); err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}
	s.Reset()

	res, err := s.Classify(chunk(0))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Label != vad.Silence || res.Score != 0 {
		t.Fatalf("after reset: label %v score %f", res.Label, res.Score)
	}
}

func TestRejectsWrongChunkSize(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	defer s.Close()

	if _, err := s.Classify(make([]int16, 100)); err == nil {
		t.Fatal("expected error for short chunk")
	}
}

func TestRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New().NewSession(vad.Config{
		ChunkSamples:     512,
		SpeechThreshold:  0.2,
		SilenceThreshold: 0.5,
	})
	if err == nil {
		t.Fatal("expected error for inverted thresholds")
	}
	if _, err := New().NewSession(vad.Config{ChunkSamples: 0}); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestClosedSessionErrors(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Classify(chunk(0)); err == nil {
		t.Fatal("expected error after close")
	}
}
