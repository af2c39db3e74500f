package changefeed_test

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/birdie-ai/modelkit/changefeed"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/tracing"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"gocloud.dev/pubsub"

	// load in memory driver
	_ "gocloud.dev/pubsub/mempubsub"
)

func TestPublish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	topic, sub := openTopic(t, "mem://publish")

	publisher := changefeed.NewPublisher("users", topic)
	change := model.Change{Model: "users", Method: model.MethodCreate, Keys: []model.Key{{"id": "a"}, {"id": "b"}}}

	pctx := tracing.CtxWithTraceID(ctx, "trace-id")
	pctx = tracing.CtxWithOrgID(pctx, "org-id")
	if err := publisher.Publish(pctx, change); err != nil {
		t.Fatal(err)
	}

	msg := receive(t, sub)
	if got, want := msg.Metadata["method"], "create"; got != want {
		t.Errorf("got method %q; want %q", got, want)
	}
	want := changefeed.Body{TraceID: "trace-id", OrgID: "org-id", Name: "users", Event: change}
	assertEqual(t, decode(t, msg.Body), want)
}

func TestPublishPerKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	topic, sub := openTopic(t, "mem://perkey")

	publisher := changefeed.NewPublisher("users", topic, changefeed.PerKey(2))
	change := model.Change{Model: "users", Method: model.MethodRemove, Keys: []model.Key{{"id": "a"}, {"id": "b"}, {"id": "c"}}}
	if err := publisher.Publish(ctx, change); err != nil {
		t.Fatal(err)
	}

	var got []string
	for range change.Keys {
		body := decode(t, receive(t, sub).Body)
		if len(body.Event.Keys) != 1 {
			t.Fatalf("got %d keys; want 1", len(body.Event.Keys))
		}
		got = append(got, body.Event.Keys[0]["id"].(string))
	}
	slices.Sort(got)
	assertEqual(t, got, []string{"a", "b", "c"})
}

func TestObserveModel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	topic, sub := openTopic(t, "mem://observe")

	m := model.New("users", model.NewMemSource(), model.WithObserver(changefeed.NewPublisher("users", topic)))
	if err := m.Define(
		must(model.NewField("id")),
		must(model.NewFilter("id")),
	); err != nil {
		t.Fatal(err)
	}
	if err := m.SetKey(model.KeySpec{"id"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddField(0, obj.O{"id": "x"}).Create(ctx); err != nil {
		t.Fatal(err)
	}

	body := decode(t, receive(t, sub).Body)
	assertEqual(t, body.Event, model.Change{Model: "users", Method: model.MethodCreate, Keys: []model.Key{{"id": "x"}}})
}

func TestServe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	topic, raw := openTopic(t, "mem://serve")
	sub, err := changefeed.NewSubscription("users", raw, 2)
	if err != nil {
		t.Fatal(err)
	}

	type delivery struct {
		body    changefeed.Body
		traceID string
	}
	deliveries := make(chan delivery, 1)
	var once sync.Once
	served := make(chan error, 1)
	go func() {
		served <- sub.Serve(ctx, func(ctx context.Context, body changefeed.Body) error {
			traceID, _ := tracing.CtxGetTraceID(ctx)
			once.Do(func() { deliveries <- delivery{body: body, traceID: traceID} })
			return nil
		})
	}()

	// messages that are not changes are dropped.
	if err := topic.Send(ctx, &pubsub.Message{Body: []byte("{}")}); err != nil {
		t.Fatal(err)
	}
	change := model.Change{Model: "users", Method: model.MethodUpdate, Keys: []model.Key{{"id": "a"}}}
	pctx := tracing.CtxWithTraceID(ctx, "trace-id")
	if err := changefeed.NewPublisher("users", topic).Publish(pctx, change); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-deliveries:
		assertEqual(t, got.body.Event, change)
		if got.traceID != "trace-id" {
			t.Errorf("got trace id %q; want %q", got.traceID, "trace-id")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for change")
	}

	if err := sub.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err == nil {
		t.Fatal("want error after shutdown")
	}
}

func TestNewSubscriptionConcurrency(t *testing.T) {
	t.Parallel()

	_, raw := openTopic(t, "mem://concurrency")
	if _, err := changefeed.NewSubscription("users", raw, 0); err == nil {
		t.Fatal("want error for zero concurrency")
	}
}

func TestPublishClosedTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	topic, _ := openTopic(t, "mem://closed")
	if err := topic.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	err := changefeed.NewPublisher("users", topic).Publish(ctx, model.Change{Model: "users", Method: model.MethodCreate})
	if err == nil || !strings.Contains(err.Error(), `"users"`) {
		t.Fatalf("got %v; want a publish error", err)
	}
}

func TestRegisterMetrics(t *testing.T) {
	// For now we only test that the metrics definitions are valid.
	registry := prometheus.NewRegistry()
	changefeed.MustRegisterMetrics(registry)
}

func openTopic(t *testing.T, url string) (*pubsub.Topic, *pubsub.Subscription) {
	t.Helper()

	ctx := context.Background()
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = topic.Shutdown(ctx) })

	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Shutdown(ctx) })
	return topic, sub
}

func receive(t *testing.T, sub *pubsub.Subscription) *pubsub.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := sub.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msg.Ack()
	return msg
}

func decode(t *testing.T, data []byte) changefeed.Body {
	t.Helper()
	var body changefeed.Body
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	return body
}

func assertEqual[T any](t *testing.T, got, want T) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("-want +got:\n%s", diff)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
