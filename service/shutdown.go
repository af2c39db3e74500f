// Package service provides the lifecycle and metrics shared by the modelkit services.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/birdie-ai/modelkit/slog"
	"github.com/birdie-ai/modelkit/xerrgroup"
)

// Shutdowner is a component that can be shut down, like a docstore opener or a change publisher.
type Shutdowner interface {
	Shutdown(context.Context) error
}

// ShutdownFunc adapts a function to a [Shutdowner].
type ShutdownFunc func(context.Context) error

// ShutdownHandler handles the shutdown of multiple components.
// It waits for a context to be cancelled to then call each component's Shutdown method.
type ShutdownHandler struct {
	waitPeriod time.Duration
	services   []named
}

type named struct {
	name string
	Shutdowner
}

// Shutdown implements [Shutdowner].
func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// NewShutdownHandler creates a new [ShutdownHandler] with the given graceful shutdown period.
func NewShutdownHandler(gracefulShutdownPeriod time.Duration) *ShutdownHandler {
	return &ShutdownHandler{waitPeriod: gracefulShutdownPeriod}
}

// Add adds the named component to the handler.
// Must be called before [ShutdownHandler.Wait] is called.
func (s *ShutdownHandler) Add(name string, service Shutdowner) {
	s.services = append(s.services, named{name: name, Shutdowner: service})
}

// Wait waits for ctx to be cancelled, then shuts down all components concurrently and
// waits for all of them to finish before returning. Each component gets the wait period
// given to [NewShutdownHandler]. The errors of every component are joined.
func (s *ShutdownHandler) Wait(ctx context.Context) error {
	<-ctx.Done()

	log := slog.FromCtx(ctx)
	log.Info("shutting down", "components", len(s.services), "wait_period", s.waitPeriod)

	g := xerrgroup.New[error]()
	for _, service := range s.services {
		g.Go(func() (error, error) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.waitPeriod)
			defer cancel()

			if err := service.Shutdown(ctx); err != nil {
				log.Error("shutdown failed", "component", service.name, "error", err)
				return fmt.Errorf("shutting down %s: %w", service.name, err), nil
			}
			log.Debug("shutdown done", "component", service.name)
			return nil, nil
		})
	}
	// subtasks never fail, errors are collected as results.
	errs, _ := g.Wait()
	return errors.Join(errs...)
}
