package runtime

import (
	"context"
	"sync"

	"github.com/wippyai/heap-bridge/errors"
)

var (
	defaultMu     sync.RWMutex
	defaultBridge *Bridge
)

// Initialize creates the process-wide default bridge. It fails if one is
// already initialized.
func Initialize(ctx context.Context, opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultBridge != nil {
		return errors.InvalidInput(errors.PhaseRuntime, "bridge already initialized")
	}
	b, err := New(ctx, opts...)
	if err != nil {
		return err
	}
	defaultBridge = b
	return nil
}

// Default returns the bridge created by Initialize.
func Default() (*Bridge, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()

	if defaultBridge == nil {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "bridge")
	}
	return defaultBridge, nil
}

// Shutdown closes the default bridge. Default fails again until the next
// Initialize.
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	b := defaultBridge
	defaultBridge = nil
	defaultMu.Unlock()

	if b == nil {
		return nil
	}
	return b.Close(ctx)
}
