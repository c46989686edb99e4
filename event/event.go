// Package event implements the tagged transcript events that the echo
// endpoint emits as it walks through a session. Tags preserve insertion
// order so that a rendered transcript reads the same way every time.
package event

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
}

func New() *Event {
	return &Event{
		keys: []string{"time", "event_id"},
		vals: map[string]string{
			"time":     time.Now().UTC().Format(time.RFC3339Nano),
			"event_id": uuid.NewString(),
		},
	}
}

func (src *Event) Copy() *Event {
	dst := New()
	dst.CopyFrom(src)
	return dst
}

// CopyFrom copies all tags from src except "time" and "event_id", which
// always describe the destination event. Existing keys are overwritten.
func (dst *Event) CopyFrom(src *Event) {
	if src == nil {
		return
	}

	src.mu.RLock()
	defer src.mu.RUnlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()

	for _, key := range src.keys {
		switch key {
		case "time", "event_id":
		default:
			dst.set(key, src.vals[key])
		}
	}
}

func (ev *Event) Set(key string, val string) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.set(key, val)
}

func (ev *Event) set(key string, val string) {
	if ev.vals == nil {
		ev.vals = make(map[string]string)
	}

	if _, ok := ev.vals[key]; ok {
		ev.vals[key] = val
		return
	}

	ev.keys = append(ev.keys, key)
	ev.vals[key] = val
}

func (ev *Event) Get(key string) string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return ev.vals[key]
}

// Tags returns a copy of the event's tags as a plain map, losing order.
// Rule expressions evaluate against this form.
func (ev *Event) Tags() map[string]string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	tags := make(map[string]string, len(ev.keys))
	for _, key := range ev.keys {
		tags[key] = ev.vals[key]
	}
	return tags
}

func (ev *Event) String() string {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	var arr []string
	for _, key := range ev.keys {
		arr = append(arr, fmt.Sprintf("%s=%q", key, ev.vals[key]))
	}
	return strings.Join(arr, " ")
}
