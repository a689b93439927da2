package bus

import "sync"

// MemBusConfig configures an in-memory bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber (default 256).
	SubscriberBufferSize int
}

// MemBus is the in-memory bus implementation. Each execution id has its own
// subscriber list; publishing to an execution with no subscribers is a
// no-op.
type MemBus struct {
	mu        sync.RWMutex
	subs      map[string][]*memSub
	seq       map[string]uint64
	observers []Observer
	bufSize   int
	closed    bool
}

// NewMemBus creates an in-memory bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		seq:     make(map[string]uint64),
		bufSize: bufSize,
	}
}

// Publish stamps the message with the execution's next sequence number and
// fans it out. It never blocks; a full subscriber sheds its oldest message.
func (b *MemBus) Publish(msg Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq[msg.ExecutionID]++
	msg.Seq = b.seq[msg.ExecutionID]
	targets := make([]*memSub, len(b.subs[msg.ExecutionID]))
	copy(targets, b.subs[msg.ExecutionID])
	observers := b.observers
	b.mu.Unlock()

	for _, obs := range observers {
		obs.Observe(msg)
	}
	for _, sub := range targets {
		sub.send(msg)
	}
}

// AddObserver attaches a global observer. Observers see every message on
// every execution and are called before subscriber fan-out.
func (b *MemBus) AddObserver(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Subscribe attaches a subscriber to one execution.
func (b *MemBus) Subscribe(executionID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, executionID, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[executionID] = append(b.subs[executionID], sub)
	return sub
}

// DropExecution closes every subscriber of an execution and forgets its
// sequence counter. The retention store calls this on eviction.
func (b *MemBus) DropExecution(executionID string) {
	b.mu.Lock()
	subs := b.subs[executionID]
	delete(b.subs, executionID)
	delete(b.seq, executionID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	return nil
}

func (b *MemBus) remove(executionID string, target *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[executionID]
	for i, sub := range subs {
		if sub == target {
			b.subs[executionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[executionID]) == 0 {
		delete(b.subs, executionID)
	}
}

type memSub struct {
	bus         *MemBus
	executionID string
	ch          chan Message

	mu     sync.Mutex
	closed bool
}

func newMemSub(b *MemBus, executionID string, bufSize int) *memSub {
	if bufSize < 1 {
		bufSize = 1
	}
	return &memSub{
		bus:         b,
		executionID: executionID,
		ch:          make(chan Message, bufSize),
	}
}

// Messages returns the subscription's channel. It is closed when the
// subscription ends.
func (s *memSub) Messages() <-chan Message {
	return s.ch
}

// Close detaches the subscriber from the bus.
func (s *memSub) Close() error {
	s.bus.remove(s.executionID, s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send enqueues without blocking. When the buffer is full the oldest
// buffered message is dropped so the subscriber converges on recent state.
func (s *memSub) send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

var (
	_ Publisher    = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
