// Package events fans chain lifecycle messages out to subscribers, one
// buffered channel each, for streaming over websockets.
package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// messageBuffer absorbs bursts while a websocket receiver catches up; a
// full channel drops the message rather than block the sender.
const messageBuffer = 100

// Events maintains the subscriber channels.
type Events struct {
	m  map[string]chan string
	mu sync.RWMutex
}

// New constructs an events value for registering and receiving events.
func New() *Events {
	return &Events{
		m: make(map[string]chan string),
	}
}

// Shutdown closes and removes every subscriber channel.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, ch := range evt.m {
		delete(evt.m, id)
		close(ch)
	}
}

// Acquire registers a new subscriber and returns its id and channel. The
// id is passed back to Release when the subscriber disconnects.
func (evt *Events) Acquire() (string, chan string) {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan string, messageBuffer)
	evt.m[id] = ch

	return id, ch
}

// Release closes and removes the subscriber's channel.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if !exists {
		return fmt.Errorf("subscriber %q does not exist", id)
	}

	delete(evt.m, id)
	close(ch)
	return nil
}

// Send delivers the message to every subscriber without blocking; a
// subscriber that cannot keep up loses messages, not the sender.
func (evt *Events) Send(s string) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for _, ch := range evt.m {
		select {
		case ch <- s:
		default:
		}
	}
}
