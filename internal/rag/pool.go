package rag

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the per-request deadline.
const DefaultTimeout = 60 * time.Second

// DefaultWorkers bounds the number of requests running at once.
const DefaultWorkers = 16

// Pool runs requests on a bounded set of workers with a hard deadline.
//
// When the deadline passes the caller gets a KindUpstreamTimeout error right
// away. The dispatched function keeps its slot until it returns; its context
// is canceled so well-behaved backends stop early.
type Pool struct {
	sem     chan struct{}
	timeout time.Duration
	logger  *zap.Logger
}

// NewPool creates a Pool. Non-positive values take the defaults.
func NewPool(workers int, timeout time.Duration, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		logger:  logger,
	}
}

// Timeout returns the per-request deadline.
func (p *Pool) Timeout() time.Duration {
	return p.timeout
}

// Do runs fn on a worker and waits for it or the deadline, whichever comes
// first. Waiting for a free worker counts against the deadline. A panic in
// fn is returned as a KindInternal error.
func (p *Pool) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return p.expired(ctx, op, nil)
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("request panicked",
					zap.String("operation", op),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- E(KindInternal, op, fmt.Errorf("panic: %v", r))
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return p.result(ctx, op, err)
	case <-ctx.Done():
		select {
		case err := <-done:
			return p.result(ctx, op, err)
		default:
		}
		return p.expired(ctx, op, nil)
	}
}

// result tags a failure that ended after the request deadline as a timeout,
// whatever kind the backend reported.
func (p *Pool) result(ctx context.Context, op string, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return p.expired(ctx, op, err)
	}
	return err
}

func (p *Pool) expired(ctx context.Context, op string, cause error) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn("request deadline exceeded",
			zap.String("operation", op),
			zap.Duration("timeout", p.timeout))
		err = fmt.Errorf("%w after %s", err, p.timeout)
		if cause != nil {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		return E(KindUpstreamTimeout, op, err)
	}
	return E(KindInternal, op, err)
}
