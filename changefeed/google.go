package changefeed

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// OrderedGooglePublisher publishes changes on Google Cloud Pub/Sub with one message per key,
// using the model and the key as ordering key. Changes of the same record are delivered in
// the order they were committed.
type OrderedGooglePublisher struct {
	name   string
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewOrderedGooglePublisher creates an ordered publisher of changes named name on the given
// project and topic. The options are passed to the Pub/Sub client.
func NewOrderedGooglePublisher(ctx context.Context, project, topicName, name string, opts ...option.ClientOption) (*OrderedGooglePublisher, error) {
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	return &OrderedGooglePublisher{name: name, client: client, topic: topic}, nil
}

// EnsureTopic creates the topic if it does not exist.
func (p *OrderedGooglePublisher) EnsureTopic(ctx context.Context) error {
	_, err := p.client.CreateTopic(ctx, p.topic.ID())
	if err != nil && grpcstatus.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("creating topic %q: %w", p.topic.ID(), err)
	}
	return nil
}

// Observe implements [model.Observer].
func (p *OrderedGooglePublisher) Observe(ctx context.Context, change model.Change) error {
	return p.Publish(ctx, change)
}

// Publish publishes one message for each key of the change and waits for all of them.
// Publishing of a key that failed is resumed, so later changes of the same record can be published.
func (p *OrderedGooglePublisher) Publish(ctx context.Context, change model.Change) error {
	type pending struct {
		key    string
		size   int
		result *pubsub.PublishResult
	}

	start := time.Now()
	results := make([]pending, 0, len(change.Keys))
	for _, c := range split(change) {
		body, err := encode(ctx, p.name, c)
		if err != nil {
			return err
		}
		key := OrderingKey(c.Model, c.Keys[0])
		results = append(results, pending{
			key:  key,
			size: len(body),
			result: p.topic.Publish(ctx, &pubsub.Message{
				Data:        body,
				OrderingKey: key,
				Attributes: map[string]string{
					"model":  c.Model,
					"method": string(c.Method),
				},
			}),
		})
	}

	var firstErr error
	for _, r := range results {
		_, err := r.result.Get(ctx)
		samplePublish(p.name, time.Since(start), r.size, err)
		if err != nil {
			p.topic.ResumePublish(r.key)
			if firstErr == nil {
				firstErr = fmt.Errorf("publishing %s change of %q: %w", change.Method, change.Model, err)
			}
		}
	}
	return firstErr
}

// Shutdown sends the pending messages and closes the client.
func (p *OrderedGooglePublisher) Shutdown(context.Context) error {
	p.topic.Stop()
	return p.client.Close()
}

// OrderingKey returns the ordering key of the record with the key on the named model.
func OrderingKey(name string, key model.Key) string {
	return name + "/" + obj.Hash(key)
}
