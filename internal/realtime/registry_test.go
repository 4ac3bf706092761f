package realtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// fakeConn records frames sent to it
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []string
	fail   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send buffer full")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestRegistry_AddRemove(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()

	first := registry.Add(userID, &fakeConn{id: "c1"})
	assert.True(t, first)

	second := registry.Add(userID, &fakeConn{id: "c2"})
	assert.False(t, second)
	assert.Equal(t, 2, registry.ConnectionCount(userID))

	last := registry.Remove(userID, "c1")
	assert.False(t, last)

	last = registry.Remove(userID, "c2")
	assert.True(t, last, "removing the final connection reports last=true")
	assert.Equal(t, 0, registry.ConnectionCount(userID))
}

func TestRegistry_RemoveUnknown(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()

	assert.False(t, registry.Remove(userID, "nope"))

	registry.Add(userID, &fakeConn{id: "c1"})
	assert.False(t, registry.Remove(userID, "nope"))
	assert.Equal(t, 1, registry.ConnectionCount(userID))
}

func TestRegistry_DeliverToAllConnections(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()

	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	registry.Add(userID, c1)
	registry.Add(userID, c2)

	delivered := registry.Deliver(userID, "call:signal", map[string]string{"k": "v"})

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"call:signal"}, c1.sent())
	assert.Equal(t, []string{"call:signal"}, c2.sent())
}

func TestRegistry_DeliverCountsFailures(t *testing.T) {
	registry := NewRegistry()
	userID := uuid.New()

	ok := &fakeConn{id: "ok"}
	broken := &fakeConn{id: "broken", fail: true}
	registry.Add(userID, ok)
	registry.Add(userID, broken)

	delivered := registry.Deliver(userID, "call:signal", nil)
	assert.Equal(t, 1, delivered)
}

func TestRegistry_DeliverNoLocalConnections(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, 0, registry.Deliver(uuid.New(), "call:signal", nil))
}
