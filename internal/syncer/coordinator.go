package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hireloop/notisync/internal/notify"
)

// MutationClient issues the four write operations against the server.
type MutationClient interface {
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

const defaultMutationTimeout = 10 * time.Second

// Coordinator serializes user-initiated state changes through the server
// before they are reflected locally. All four operations are strictly
// pessimistic: on failure nothing is applied to the store and the error is
// returned to the caller; there is no optimistic flip-then-rollback.
type Coordinator struct {
	client  MutationClient
	store   *notify.Store
	timeout time.Duration
	log     *logrus.Entry
}

func NewCoordinator(client MutationClient, store *notify.Store, timeout time.Duration, log *logrus.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = defaultMutationTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		client:  client,
		store:   store,
		timeout: timeout,
		log:     log.WithField("component", "mutations"),
	}
}

func (c *Coordinator) MarkRead(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.MarkRead(callCtx, id); err != nil {
		return errors.Wrapf(err, "marking notification %s read", id)
	}
	c.store.MarkRead(id)
	return nil
}

func (c *Coordinator) MarkAllRead(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.MarkAllRead(callCtx); err != nil {
		return errors.Wrap(err, "marking all notifications read")
	}
	c.store.MarkAllRead()
	return nil
}

func (c *Coordinator) Delete(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Delete(callCtx, id); err != nil {
		return errors.Wrapf(err, "deleting notification %s", id)
	}
	c.store.Delete(id)
	return nil
}

func (c *Coordinator) ClearAll(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.ClearAll(callCtx); err != nil {
		return errors.Wrap(err, "clearing notifications")
	}
	c.store.Clear()
	return nil
}
