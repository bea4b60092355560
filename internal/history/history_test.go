package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("b down")}
	c := &memSink{err: errors.New("c down")}
	m := Multi{a, nil, b, c}

	e := Event{Type: EventSpawn, OccurredAt: time.Now(), Record: Record{TaskID: "w", Slot: 1, PID: 9}}
	err := m.Send(context.Background(), e)
	assert.ErrorContains(t, err, "b down")
	assert.ErrorContains(t, err, "c down")
	for _, s := range []*memSink{a, b, c} {
		assert.Equal(t, []Event{e}, s.events)
	}

	assert.NoError(t, Multi{a}.Send(context.Background(), e))
	assert.NoError(t, Multi(nil).Send(context.Background(), e))
}
