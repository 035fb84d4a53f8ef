package escore

import (
	"errors"
	"slices"
	"testing"
	"time"
)

type recordingMetrics struct {
	NopMetrics
	calls []string
}

func (m *recordingMetrics) CommandHandled(commandType string, _ time.Duration, err error) {
	m.calls = append(m.calls, "command "+commandType)
}

func (m *recordingMetrics) DeliveryDropped(subscriber string) {
	m.calls = append(m.calls, "dropped "+subscriber)
}

func TestMultiMetrics(t *testing.T) {
	a, b := &recordingMetrics{}, &recordingMetrics{}
	m := MultiMetrics(a, NopMetrics{}, b)

	m.CommandHandled("OpenAccount", time.Millisecond, errors.New("rejected"))
	m.DeliveryDropped("balances")
	m.EventsAppended("account", 2)

	want := []string{"command OpenAccount", "dropped balances"}
	for _, r := range []*recordingMetrics{a, b} {
		if !slices.Equal(r.calls, want) {
			t.Fatalf("calls = %v, want %v", r.calls, want)
		}
	}
}
