package eventbus

import "testing"

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	acts, unsubActs := b.Subscribe(4, TypeActivity)
	defer unsubActs()

	b.Publish(Event{Type: TypeTick})
	b.Publish(Event{Type: TypeActivity, Shop: "s"})

	if got := len(all); got != 2 {
		t.Fatalf("all received %d events, want 2", got)
	}
	if got := len(acts); got != 1 {
		t.Fatalf("activity listener received %d events, want 1", got)
	}
	e := <-acts
	if e.Shop != "s" || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TypeTick})
	b.Publish(Event{Type: TypeTick})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TypeTick})
}
