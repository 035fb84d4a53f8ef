// Package fixtures provides test doubles for code built on escore.
package fixtures

import (
	"fmt"

	"github.com/terraskye/escore"
)

// TestEvent is a configurable test event implementing the Event interface.
type TestEvent struct {
	Type string
	Data string
}

func (e TestEvent) EventType() string {
	if e.Type == "" {
		return "TestEvent"
	}
	return e.Type
}

// TestEvents returns n events of type "TestEvent" with data "event-0" to
// "event-<n-1>".
func TestEvents(n int) []escore.Event {
	events := make([]escore.Event, n)
	for i := range events {
		events[i] = TestEvent{Data: fmt.Sprintf("event-%d", i)}
	}
	return events
}
