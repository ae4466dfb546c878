// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"sync"
)

// promise is a one-shot settled value shared by every caller that joined
// the same in-flight operation. It replaces the listener pairing a
// callback API would need: first settle wins, later settles are no-ops.
type promise[T any] struct {
	done chan struct{}
	once sync.Once

	val T
	err error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

func (p *promise[T]) resolve(v T) {
	p.once.Do(func() {
		p.val = v
		close(p.done)
	})
}

func (p *promise[T]) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *promise[T]) waitErr(ctx context.Context) error {
	_, err := p.wait(ctx)
	return err
}

func (p *promise[T]) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
