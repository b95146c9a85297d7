package raffle

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventKind names an observable state transition.
type EventKind string

const (
	EventEntered      EventKind = "entered"
	EventRequested    EventKind = "requested"
	EventWinnerPicked EventKind = "winner_picked"
)

// Event is a notification emitted after a successful transition.
type Event struct {
	ID        uuid.UUID
	Kind      EventKind
	Round     uint64
	Player    common.Address
	RequestID *uint256.Int
	// Word is the random value that selected the winner.
	Word *uint256.Int
	// Amount is the payment on entry and the prize on winner_picked.
	Amount *big.Int
	// Players is the pool size at the time of the event.
	Players int
	At      time.Time
}

// Subscription receives events until cancelled.
type Subscription struct {
	ch   chan Event
	bus  *Bus
	once sync.Once
}

// C returns the delivery channel. It is closed on Cancel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription from its bus.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus fans events out to subscribers without blocking the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped uint64
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &Subscription{ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
