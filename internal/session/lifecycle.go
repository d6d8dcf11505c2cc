// ABOUTME: Lifecycle policies handing out isolated sessions to chat calls.
// ABOUTME: Pool lends and wipes; Fresh creates and deletes; both bound concurrency.

package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Session is one isolated conversation context. Key is the stable
// handshake identifier in the session table; ID names the transcript
// record inside the gateway.
type Session struct {
	Key string
	ID  string
}

// Lifecycle hands out isolated sessions to concurrent chat calls.
// Acquire blocks until a slot is free; Release must be called on every
// exit path, typically deferred immediately after a successful Acquire.
type Lifecycle interface {
	Acquire(ctx context.Context) (Session, error)
	Release(sess Session)
}

// NewLifecycle builds the configured policy over the store.
func NewLifecycle(policy string, size int, store *Store) (Lifecycle, error) {
	switch policy {
	case "pool":
		return NewPool(store, size)
	case "fresh":
		return NewFresh(store, size), nil
	default:
		return nil, fmt.Errorf("unknown session policy %q", policy)
	}
}

// Pool pre-creates a fixed set of sessions and lends them out. Released
// sessions have their history wiped before the slot becomes available
// again, so no borrower ever sees a previous job's conversation.
type Pool struct {
	store *Store
	slots chan Session
}

// NewPool creates size sessions in the table and fills the slot queue.
func NewPool(store *Store, size int) (*Pool, error) {
	p := &Pool{
		store: store,
		slots: make(chan Session, size),
	}
	for i := 0; i < size; i++ {
		key := fmt.Sprintf("%s-%d", KeyPrefix, i)
		id, err := store.Ensure(key)
		if err != nil {
			return nil, fmt.Errorf("preparing pool session %s: %w", key, err)
		}
		p.slots <- Session{Key: key, ID: id}
	}
	return p, nil
}

// Acquire takes a session from the pool, blocking while all are lent out.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	select {
	case sess := <-p.slots:
		return sess, nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// Release wipes the session's history and returns it to the pool. A
// failed wipe is logged but the slot is returned regardless; the next
// Acquire gets a session whose wipe is retried on its own release.
func (p *Pool) Release(sess Session) {
	if err := p.store.ClearHistory(sess.ID); err != nil {
		p.store.logger.Warn("failed to clear session history",
			"session_id", sess.ID,
			"error", err,
		)
	}
	p.slots <- sess
}

// Fresh synthesizes a brand-new session per acquisition and deletes it
// on release. A semaphore bounds how many exist at once.
type Fresh struct {
	store *Store
	sem   chan struct{}
}

// NewFresh creates the policy with the given concurrency bound.
func NewFresh(store *Store, limit int) *Fresh {
	return &Fresh{
		store: store,
		sem:   make(chan struct{}, limit),
	}
}

// Acquire waits for a slot and creates a new session record.
func (f *Fresh) Acquire(ctx context.Context) (Session, error) {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}

	key := fmt.Sprintf("%s-%s", KeyPrefix, uuid.New().String())
	id, err := f.store.Ensure(key)
	if err != nil {
		<-f.sem
		return Session{}, fmt.Errorf("creating session: %w", err)
	}
	return Session{Key: key, ID: id}, nil
}

// Release deletes the session's record and transcript and frees the slot.
func (f *Fresh) Release(sess Session) {
	if err := f.store.Delete(sess.Key, sess.ID); err != nil {
		f.store.logger.Warn("failed to delete session",
			"key", sess.Key,
			"error", err,
		)
	}
	<-f.sem
}
