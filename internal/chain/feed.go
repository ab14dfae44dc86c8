package chain

import "sync"

type handlerList[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
}

func (l *handlerList[T]) add(fn func(T)) *subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.handlers[id] = fn
	l.order = append(l.order, id)
	return &subscription{cancel: func() { l.remove(id) }}
}

func (l *handlerList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[id]; !ok {
		return
	}
	delete(l.handlers, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

func (l *handlerList[T]) emit(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.handlers[id])
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (l *handlerList[T]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}

type subscription struct {
	once   sync.Once
	cancel func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Feed is an Events implementation driven by Emit calls. Handlers are
// invoked in registration order.
type Feed struct {
	applied      handlerList[*Trace]
	accepted     handlerList[*BlockEvent]
	irreversible handlerList[*BlockEvent]
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) OnAppliedTransaction(fn func(*Trace)) Subscription {
	return f.applied.add(fn)
}

func (f *Feed) OnAcceptedBlock(fn func(*BlockEvent)) Subscription {
	return f.accepted.add(fn)
}

func (f *Feed) OnIrreversibleBlock(fn func(*BlockEvent)) Subscription {
	return f.irreversible.add(fn)
}

// EmitAppliedTransaction delivers t to every applied-transaction handler.
func (f *Feed) EmitAppliedTransaction(t *Trace) { f.applied.emit(t) }

// EmitAcceptedBlock delivers ev to every accepted-block handler.
func (f *Feed) EmitAcceptedBlock(ev *BlockEvent) { f.accepted.emit(ev) }

// EmitIrreversibleBlock delivers ev to every irreversible-block handler.
func (f *Feed) EmitIrreversibleBlock(ev *BlockEvent) { f.irreversible.emit(ev) }

// Subscribers returns the total number of registered handlers.
func (f *Feed) Subscribers() int {
	return f.applied.len() + f.accepted.len() + f.irreversible.len()
}
