package broadcast

import "testing"

func TestPublishDropsForFullSubscriber(t *testing.T) {
	b := New[int]()
	fast, cancelFast := b.Subscribe(4)
	slow, cancelSlow := b.Subscribe(1)
	defer cancelFast()
	defer cancelSlow()

	dropped := 0
	for i := range 3 {
		dropped += b.Publish(i)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 drops, got %d", dropped)
	}
	if v := <-slow; v != 0 {
		t.Fatalf("slow subscriber got %d", v)
	}
	for want := range 3 {
		if v := <-fast; v != want {
			t.Fatalf("fast subscriber got %d want %d", v, want)
		}
	}
}

func TestCancelAndClose(t *testing.T) {
	b := New[string]()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel open after cancel")
	}
	if b.Publish("x") != 0 {
		t.Fatal("cancelled subscriber still counted")
	}

	ch2, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("channel open after close")
	}
	ch3, _ := b.Subscribe(1)
	if _, ok := <-ch3; ok {
		t.Fatal("subscription after close must be closed")
	}
}
