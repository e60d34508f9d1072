// Package safe runs goroutines that turn panics into errors.
package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/logger"
)

// Group — аналог errgroup.Group с защитой от panic: паника в goroutine
// становится ошибкой группы и отменяет общий контекст.
type Group struct {
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
	log    *logger.Logger

	once sync.Once
	err  error
}

// New создает группу с контекстом и логгером.
func New(ctx context.Context, log *logger.Logger) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("safe"),
	}
}

// Go запускает защищённую goroutine.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.recoverPanic()
		if err := fn(g.ctx); err != nil {
			if g.ctx.Err() == nil {
				g.log.Error("goroutine error", zap.Error(err))
			}
			g.fail(err)
		}
	}()
}

// Wait блокирует до завершения всех goroutine и возвращает первую ошибку.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel()
	return g.err
}

// Context возвращает связанный контекст.
func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) fail(err error) {
	g.once.Do(func() {
		g.err = err
		g.cancel()
	})
}

// recoverPanic ловит панику, логирует её и завершает группу с ошибкой.
func (g *Group) recoverPanic() {
	if r := recover(); r != nil {
		g.log.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		g.fail(fmt.Errorf("safe: panic: %v", r))
	}
}
