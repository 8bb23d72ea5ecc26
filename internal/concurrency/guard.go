package concurrency

import "sync"

// KeyedGuard admits at most one holder per key. Unlike a mutex it never
// blocks: a second acquire for a held key is refused.
type KeyedGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedGuard() *KeyedGuard {
	return &KeyedGuard{
		held: make(map[string]struct{}),
	}
}

// TryAcquire takes key if it is free.
func (g *KeyedGuard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return false
	}
	g.held[key] = struct{}{}
	return true
}

// Release frees key. Releasing a free key is a no-op.
func (g *KeyedGuard) Release(key string) {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
}

// Held reports whether key is currently taken.
func (g *KeyedGuard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.held[key]
	return ok
}

// Rekey moves a held key to a new name, e.g. once a pending conversation
// learns its thread id. It fails if to is already held.
func (g *KeyedGuard) Rekey(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to {
		return true
	}
	if _, ok := g.held[to]; ok {
		return false
	}
	delete(g.held, from)
	g.held[to] = struct{}{}
	return true
}
