// Package local provides the in-process segment that runs handlers for
// messages landing on this node: a command bus, a query bus and an emitter
// for subscription query updates.
package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

type commandEntry struct {
	id      uint64
	handler message.CommandHandler
}

// CommandBus runs commands on the single handler subscribed for their name.
type CommandBus struct {
	logger   *logging.ColoredLogger
	mu       sync.RWMutex
	handlers map[string]commandEntry
	nextID   atomic.Uint64
}

// NewCommandBus creates an empty command bus.
func NewCommandBus(logger *logging.ColoredLogger) *CommandBus {
	return &CommandBus{
		logger:   logging.OrNop(logger),
		handlers: make(map[string]commandEntry),
	}
}

// Subscribe registers handler for name, replacing any previous handler.
func (b *CommandBus) Subscribe(name string, handler message.CommandHandler) message.Registration {
	id := b.nextID.Add(1)

	b.mu.Lock()
	if _, exists := b.handlers[name]; exists {
		b.logger.ComponentWarn(logging.ComponentCommand, "Replacing command handler",
			zap.String("command", name))
	}
	b.handlers[name] = commandEntry{id: id, handler: handler}
	b.mu.Unlock()

	return message.RegistrationFunc(func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if entry, ok := b.handlers[name]; ok && entry.id == id {
			delete(b.handlers, name)
			return true
		}
		return false
	})
}

// HasHandler reports whether a handler is subscribed for name.
func (b *CommandBus) HasHandler(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[name]
	return ok
}

// Dispatch runs cmd on its handler in the calling goroutine and reports the
// outcome to cb exactly once. A missing handler is reported through cb. The
// returned error is set only when the command could not be dispatched at all.
func (b *CommandBus) Dispatch(ctx context.Context, cmd *message.CommandMessage, cb message.CommandCallback) error {
	if cb == nil {
		cb = message.NoOpCallback
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	entry, ok := b.handlers[cmd.CommandName]
	b.mu.RUnlock()

	if !ok {
		cb(cmd, message.FailedCommandResult(
			fmt.Errorf("no handler subscribed for command %s: %w", cmd.CommandName, dispatcherrors.ErrNoHandler)))
		return nil
	}

	cb(cmd, runCommand(ctx, entry.handler, cmd))
	return nil
}

func runCommand(ctx context.Context, handler message.CommandHandler, cmd *message.CommandMessage) (result *message.CommandResultMessage) {
	defer func() {
		if r := recover(); r != nil {
			result = message.FailedCommandResult(dispatcherrors.NewExecutionError(
				dispatcherrors.CodeCommandExecution, cmd.CommandName, fmt.Errorf("panic: %v", r)))
		}
	}()

	payload, err := handler(ctx, cmd)
	if err != nil {
		return message.FailedCommandResult(err)
	}
	return message.NewCommandResult(payload)
}
