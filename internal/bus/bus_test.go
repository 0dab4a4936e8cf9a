package bus

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSyncHandlersRunInRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := New()
	var order []int
	for i := range 5 {
		b.SubscribeSync(TranscriptReady{}, func(Event) {
			order = append(order, i)
		})
	}

	b.Publish(TranscriptReady{Meta: NewMeta("s1"), Text: "hi", Final: true})

	for i, got := range order {
		if got != i {
			t.Fatalf("handler order = %v", order)
		}
	}
}

func TestAsyncHandlersAreAwaited(t *testing.T) {
	t.Parallel()

	b := New()
	var ran atomic.Int32
	for range 8 {
		b.SubscribeAsync(AudioDataReceived{}, func(Event) {
			ran.Add(1)
		})
	}

	b.Publish(AudioDataReceived{Meta: NewMeta("s1"), Data: []byte{1}})

	if got := ran.Load(); got != 8 {
		t.Fatalf("ran = %d, want 8 (Publish must join async handlers)", got)
	}
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	b := New()
	var after bool
	b.SubscribeSync(ClientAbort{}, func(Event) { panic("boom") })
	b.SubscribeSync(ClientAbort{}, func(Event) { after = true })

	b.Publish(ClientAbort{Meta: NewMeta("s1"), Reason: "user_interrupt"})

	if !after {
		t.Fatal("handler after the panicking one did not run")
	}
}

func TestPublishOrderPerType(t *testing.T) {
	t.Parallel()

	b := New()
	var mu sync.Mutex
	var seen []string
	b.SubscribeSync(TranscriptReady{}, func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.(TranscriptReady).Text)
		mu.Unlock()
	})

	for _, txt := range []string{"a", "b", "c", "d"} {
		b.Publish(TranscriptReady{Meta: NewMeta("s1"), Text: txt})
	}

	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("order = %v, want %v", seen, want)
		}
	}
}

func TestEventsAreTypeScoped(t *testing.T) {
	t.Parallel()

	b := New()
	var transcripts, aborts int
	b.SubscribeSync(TranscriptReady{}, func(Event) { transcripts++ })
	b.SubscribeSync(ClientAbort{}, func(Event) { aborts++ })

	b.Publish(TranscriptReady{Meta: NewMeta("s1")})
	b.Publish(TranscriptReady{Meta: NewMeta("s1")})
	b.Publish(ClientAbort{Meta: NewMeta("s1")})

	if transcripts != 2 || aborts != 1 {
		t.Fatalf("transcripts = %d aborts = %d", transcripts, aborts)
	}
}

func TestSubscribeDuringPublishIsSafe(t *testing.T) {
	t.Parallel()

	b := New()
	b.SubscribeSync(VADSpeechStart{}, func(Event) {
		b.SubscribeSync(VADSpeechStart{}, func(Event) {})
	})

	// Must not deadlock or race.
	b.Publish(VADSpeechStart{Meta: NewMeta("s1")})
	b.Publish(VADSpeechStart{Meta: NewMeta("s1")})
}
