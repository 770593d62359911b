package durable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_BroadcastIsNonBlocking(t *testing.T) {
	t.Parallel()

	n := newNotifier()
	wake, unsubscribe := n.subscribe("k")

	n.broadcast("k")
	n.broadcast("k")
	n.broadcast("other")

	assert.Len(t, wake, 1)

	unsubscribe()
	assert.Empty(t, n.waiters)
}
