package service

import "sync"

// RepoEvent announces a repository status change to live subscribers.
type RepoEvent struct {
	RepoID        string `json:"repo_id"`
	CanonicalPath string `json:"canonical_path"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// RepoEventBus broadcasts repository status changes to SSE subscribers.
// Sends never block: a slow subscriber misses events instead of stalling
// the publisher.
type RepoEventBus struct {
	mu   sync.RWMutex
	subs []chan RepoEvent
}

// NewRepoEventBus creates an empty bus.
func NewRepoEventBus() *RepoEventBus {
	return &RepoEventBus{}
}

// Publish delivers evt to every subscriber that can take it right now.
func (b *RepoEventBus) Publish(evt RepoEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving future events.
func (b *RepoEventBus) Subscribe() chan RepoEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan RepoEvent, 10)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *RepoEventBus) Unsubscribe(ch chan RepoEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(ch)
}
