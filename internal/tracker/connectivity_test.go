package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyChecker struct {
	up atomic.Bool
}

func (c *flakyChecker) Healthy(ctx context.Context) error {
	if c.up.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func next(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("no connectivity event")
		return false
	}
}

func TestHTTPProbeReportsChanges(t *testing.T) {
	checker := &flakyChecker{}
	checker.up.Store(true)
	probe := NewHTTPProbe(checker, 2*time.Millisecond, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := probe.Watch(ctx)

	assert.True(t, next(t, events))
	checker.up.Store(false)
	assert.False(t, next(t, events))
	checker.up.Store(true)
	assert.True(t, next(t, events))

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
