package store

import (
	"fmt"
	"time"
)

// DefaultLockTimeout is used when a caller doesn't specify one.
const DefaultLockTimeout = 10 * time.Second

// Lock is a held advisory lock handle. Release is idempotent.
type Lock struct {
	name      string
	holderID  string
	sessionID string
	client    *Client
}

// ErrLockHeld is returned by Lock when another holder currently owns the
// named lock and has not yet timed out.
type ErrLockHeld struct {
	Name string
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("lock %q is held by another holder", e.Name)
}

// Lock attempts to acquire the named advisory lock for holderID. Acquiring
// an already-held lock under the same holderID is reentrant and simply
// refreshes the timeout. sessionID binds the lock to a client session so
// that it is released automatically if the session goes stale (see
// pkg/store/session.go); pass an empty sessionID for locks with no
// session affinity.
func (c *Client) Lock(name, holderID, sessionID string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	resp, err := c.applier.Apply(Command{
		Op:         OpLockAcquire,
		ID:         name,
		HolderID:   holderID,
		SessionID:  sessionID,
		TimeoutSec: int(timeout / time.Second),
	}, DefaultApplyTimeout)
	if err != nil {
		return nil, err
	}
	result, ok := resp.(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response for lock %q", name)
	}
	if !result.Locked {
		return nil, &ErrLockHeld{Name: name}
	}
	return &Lock{name: name, holderID: holderID, sessionID: sessionID, client: c}, nil
}

// Release gives up the lock. A release by a holder that no longer owns
// the lock (already expired and reacquired elsewhere) is a no-op.
func (l *Lock) Release() error {
	_, err := l.client.applier.Apply(Command{
		Op:       OpLockRelease,
		ID:       l.name,
		HolderID: l.holderID,
	}, DefaultApplyTimeout)
	return err
}

// Name returns the lock's name.
func (l *Lock) Name() string { return l.name }
