package session

import "sync"

// Broker fans out "session changed" notifications inside one process. Slow
// subscribers miss intermediate versions; they re-read the store anyway.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan int64]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan int64]struct{})}
}

// Subscribe returns a channel of versions for token and a cancel func that
// must be called when the subscriber goes away.
func (b *Broker) Subscribe(token string) (<-chan int64, func()) {
	ch := make(chan int64, 1)

	b.mu.Lock()
	if b.subs[token] == nil {
		b.subs[token] = make(map[chan int64]struct{})
	}
	b.subs[token][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[token], ch)
			if len(b.subs[token]) == 0 {
				delete(b.subs, token)
			}
		})
	}
}

func (b *Broker) Publish(token string, version int64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[token] {
		select {
		case ch <- version:
		default:
		}
	}
}

// Subscribers reports how many viewers currently watch token.
func (b *Broker) Subscribers(token string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[token])
}
