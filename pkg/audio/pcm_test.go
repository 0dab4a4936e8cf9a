package audio

import (
	"math"
	"testing"
)

func TestInt16BytesRoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToInt16s(Int16sToBytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("round trip [%d] = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		t.Parallel()
		in := Int16sToBytes([]int16{1, 2, 3})
		out := ResampleMono16(in, 16000, 16000)
		if len(out) != len(in) {
			t.Fatalf("len = %d, want %d", len(out), len(in))
		}
	})

	t.Run("downsample halves length", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 480)
		out := ResampleMono16(Int16sToBytes(in), 48000, 16000)
		if len(BytesToInt16s(out)) != 160 {
			t.Fatalf("samples = %d, want 160", len(BytesToInt16s(out)))
		}
	})

	t.Run("preserves a constant signal", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, 100)
		for i := range in {
			in[i] = 1000
		}
		out := BytesToInt16s(ResampleMono16(Int16sToBytes(in), 24000, 16000))
		for i, s := range out {
			if s != 1000 {
				t.Fatalf("sample %d = %d, want 1000", i, s)
			}
		}
	})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	in := Int16sToBytes([]int16{100, 200, -100, 100})
	out := BytesToInt16s(StereoToMono(in))
	if len(out) != 2 || out[0] != 150 || out[1] != 0 {
		t.Fatalf("out = %v, want [150 0]", out)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %f", got)
	}
	if got := RMS(make([]int16, 512)); got != 0 {
		t.Fatalf("RMS(silence) = %f", got)
	}

	// Full-scale square wave has RMS ≈ 1.
	loud := make([]int16, 512)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 32767
		} else {
			loud[i] = -32767
		}
	}
	if got := RMS(loud); math.Abs(got-1.0) > 0.01 {
		t.Fatalf("RMS(full scale) = %f, want ≈1", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := Int16sToBytes([]int16{1, -2, 3, -4, 5})
	wav := EncodeWAV(pcm, 16000)

	got, rate, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d", rate)
	}
	if len(got) != len(pcm) {
		t.Fatalf("len = %d, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := DecodeWAV([]byte("not a wav file at all, definitely not one")); err == nil {
		t.Fatal("expected error for non-WAV input")
	}
}
