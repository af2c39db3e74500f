// Package changefeed publishes the committed writes of models as events and serves them
// back to subscribers.
//
// A [Publisher] is a [model.Observer], so it can be given to a model with [model.WithObserver]:
//
//	topic, err := pubsub.OpenTopic(ctx, "gcppubsub://projects/myproject/topics/changes")
//	...
//	users := model.New("users", source, model.WithObserver(changefeed.NewPublisher("users", topic)))
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/slog"
	"github.com/birdie-ai/modelkit/tracing"
	"github.com/birdie-ai/modelkit/xerrgroup"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

type (
	// Body is the envelope of every published change.
	Body struct {
		TraceID string       `json:"trace_id"`
		OrgID   string       `json:"organization_id"`
		Name    string       `json:"name"`
		Event   model.Change `json:"event"`
	}

	// Publisher publishes model changes on a topic.
	Publisher struct {
		name        string
		topic       *pubsub.Topic
		perKey      bool
		concurrency int
	}

	// Option configures a [Publisher].
	Option func(*Publisher)

	// Handler handles a change delivered by a [Subscription].
	// The context carries the trace and organization of the publisher.
	Handler func(ctx context.Context, body Body) error

	// Subscription delivers published changes to a [Handler].
	Subscription struct {
		name           string
		sub            *pubsub.Subscription
		maxConcurrency int
	}
)

// ErrInvalidBody indicates a message that is not a published change.
var ErrInvalidBody = errors.New("invalid change body")

// PerKey makes the publisher send one message for each key of a change, running up to
// concurrency sends at once. A concurrency <= 0 means no limit.
func PerKey(concurrency int) Option {
	return func(p *Publisher) {
		p.perKey = true
		p.concurrency = concurrency
	}
}

// NewPublisher creates a publisher of changes named name on the topic.
func NewPublisher(name string, topic *pubsub.Topic, opts ...Option) *Publisher {
	p := &Publisher{name: name, topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Observe implements [model.Observer].
func (p *Publisher) Observe(ctx context.Context, change model.Change) error {
	return p.Publish(ctx, change)
}

// Publish publishes the change.
func (p *Publisher) Publish(ctx context.Context, change model.Change) error {
	changes := []model.Change{change}
	if p.perKey {
		changes = split(change)
	}

	g, gctx := xerrgroup.WithContext[int](ctx)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for _, c := range changes {
		g.Go(func() (int, error) {
			return p.send(gctx, c)
		})
	}
	sizes, err := g.Wait()
	if err != nil {
		return fmt.Errorf("publishing %s change of %q: %w", change.Method, change.Model, err)
	}

	total := 0
	for _, size := range sizes {
		total += size
	}
	slog.FromCtx(ctx).Debug("published change", "name", p.name, "messages", len(sizes), "bytes", total)
	return nil
}

func (p *Publisher) send(ctx context.Context, change model.Change) (int, error) {
	body, err := encode(ctx, p.name, change)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	err = p.topic.Send(ctx, &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"model":  change.Model,
			"method": string(change.Method),
		},
	})
	samplePublish(p.name, time.Since(start), len(body), err)
	return len(body), err
}

// OpenSubscription opens the subscription at url. See [NewSubscription].
func OpenSubscription(ctx context.Context, name, url string, maxConcurrency int) (*Subscription, error) {
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening subscription %q: %w", url, err)
	}
	s, err := NewSubscription(name, sub, maxConcurrency)
	if err != nil {
		_ = sub.Shutdown(ctx)
		return nil, err
	}
	return s, nil
}

// NewSubscription creates a subscription of changes named name, handling up to
// maxConcurrency messages at once.
func NewSubscription(name string, sub *pubsub.Subscription, maxConcurrency int) (*Subscription, error) {
	if maxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0: %d", maxConcurrency)
	}
	return &Subscription{name: name, sub: sub, maxConcurrency: maxConcurrency}, nil
}

// Serve calls handler for every received change until receiving fails, which happens after
// [Subscription.Shutdown] or when ctx is cancelled. Messages are acked when the handler
// succeeds and nacked otherwise. Messages that are not changes are acked and dropped.
// Serve waits for running handlers before returning.
func (s *Subscription) Serve(ctx context.Context, handler Handler) error {
	g := &errgroup.Group{}
	g.SetLimit(s.maxConcurrency)
	for {
		msg, err := s.sub.Receive(ctx)
		if err != nil {
			_ = g.Wait()
			return fmt.Errorf("receive from subscription failed, stopping serving: %w", err)
		}
		g.Go(func() error {
			s.handle(ctx, msg, handler)
			return nil
		})
	}
}

// Shutdown shuts down the subscription, stopping any calls to [Subscription.Serve].
func (s *Subscription) Shutdown(ctx context.Context) error {
	return s.sub.Shutdown(ctx)
}

func (s *Subscription) handle(ctx context.Context, msg *pubsub.Message, handler Handler) {
	start := time.Now()
	body, err := decode(msg.Body)
	if err != nil {
		slog.FromCtx(ctx).Error("dropping message", "name", s.name, "error", err)
		msg.Ack()
		sampleProcess(s.name, time.Since(start), len(msg.Body), err)
		return
	}

	if body.TraceID != "" {
		ctx = tracing.CtxWithTraceID(ctx, body.TraceID)
	}
	if body.OrgID != "" {
		ctx = tracing.CtxWithOrgID(ctx, body.OrgID)
	}
	log := slog.FromCtx(ctx).With("trace_id", body.TraceID, "model", body.Event.Model)
	ctx = slog.NewContext(ctx, log)

	err = handler(ctx, body)
	sampleProcess(s.name, time.Since(start), len(msg.Body), err)
	if err != nil {
		log.Warn("handling change", "error", err)
		msg.Nack()
		return
	}
	msg.Ack()
}

func encode(ctx context.Context, name string, change model.Change) ([]byte, error) {
	traceID, _ := tracing.CtxGetTraceID(ctx)
	orgID, _ := tracing.CtxGetOrgID(ctx)
	return json.Marshal(Body{
		TraceID: traceID,
		OrgID:   orgID,
		Name:    name,
		Event:   change,
	})
}

func decode(data []byte) (Body, error) {
	var body Body
	if err := json.Unmarshal(data, &body); err != nil {
		return Body{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if body.Event.Model == "" {
		return Body{}, fmt.Errorf("%w: missing model", ErrInvalidBody)
	}
	return body, nil
}

func split(change model.Change) []model.Change {
	changes := make([]model.Change, len(change.Keys))
	for i, key := range change.Keys {
		changes[i] = model.Change{Model: change.Model, Method: change.Method, Keys: []model.Key{key}}
	}
	return changes
}
