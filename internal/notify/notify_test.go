package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (r *recorder) Notify(e Event) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestAsyncDeliversOnClose(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	a := NewAsync(rec, 4)
	a.Notify(Event{Kind: KindPhaseAdvanced})
	a.Notify(Event{Kind: KindAutoCompleted})
	a.Close()

	assert.Equal(t, 2, rec.len())
	a.Notify(Event{Kind: KindAutoCompleted})
	assert.Equal(t, 2, rec.len())
}

func TestAsyncDropsWhenFull(t *testing.T) {
	t.Parallel()

	rec := &recorder{block: make(chan struct{})}
	a := NewAsync(rec, 1)
	for range 5 {
		a.Notify(Event{Kind: KindAutoCompleted})
	}
	assert.GreaterOrEqual(t, a.Dropped(), 3)
	close(rec.block)
	a.Close()
	assert.Equal(t, 5-a.Dropped(), rec.len())
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	var got []Kind
	m := Multi{
		Func(func(e Event) { got = append(got, e.Kind) }),
		Nop{},
		Func(func(e Event) { got = append(got, e.Kind) }),
	}
	m.Notify(Event{Kind: KindEscalated})
	assert.Equal(t, []Kind{KindEscalated, KindEscalated}, got)
}
