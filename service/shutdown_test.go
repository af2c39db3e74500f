package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/birdie-ai/modelkit/service"
)

func TestShutdown(t *testing.T) {
	handler := service.NewShutdownHandler(time.Minute)
	service1 := newFakeService()
	service2 := newFakeService()

	handler.Add("service1", service1)
	handler.Add("service2", service2)

	ctx, cancel := context.WithCancel(context.Background())
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- handler.Wait(ctx)
	}()

	// Guarantee that shutdown is not called before cancellation
	// Not actual guarantee, but should catch stupid bugs
	select {
	case <-service1.calls:
		t.Fatal("service 1 shutdown called")
	case <-service2.calls:
		t.Fatal("service 2 shutdown called")
	case <-time.NewTimer(50 * time.Millisecond).C:
		break
	}

	cancel()
	// Guarantee that shutdown is called for all services concurrently
	// We first read both calls before sending any answer
	service1Call := <-service1.calls
	service2Call := <-service2.calls

	if service1Call.ctx.Err() != nil {
		t.Fatal("shutdown context must not be cancelled with the waited context")
	}

	checkShutdownHandlerIsWaiting := func() {
		select {
		case <-waitDone:
			t.Fatal("handler.Wait() returned before services shutting down")
		case <-time.NewTimer(50 * time.Millisecond).C:
			break
		}
	}

	// Guarantee that the shutdown handler only stops waiting when ALL services are done.

	checkShutdownHandlerIsWaiting()
	service1Call.sendResponse(nil)

	checkShutdownHandlerIsWaiting()
	wantErr := errors.New("closing")
	service2Call.sendResponse(wantErr)

	if err := <-waitDone; !errors.Is(err, wantErr) {
		t.Fatalf("got %v; want %v", err, wantErr)
	}
}

func TestShutdownFunc(t *testing.T) {
	handler := service.NewShutdownHandler(time.Second)
	called := false
	handler.Add("func", service.ShutdownFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("shutdown context without deadline")
		}
		called = true
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := handler.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("shutdown func not called")
	}
}

type (
	shutdownCall struct {
		ctx      context.Context
		response chan error
	}
	fakeService struct {
		calls chan shutdownCall
	}
)

func newFakeService() *fakeService {
	return &fakeService{
		calls: make(chan shutdownCall),
	}
}

func (f *fakeService) Shutdown(ctx context.Context) error {
	call := shutdownCall{
		ctx:      ctx,
		response: make(chan error),
	}
	f.calls <- call
	return <-call.response
}

func (s *shutdownCall) sendResponse(err error) {
	s.response <- err
	close(s.response)
}
