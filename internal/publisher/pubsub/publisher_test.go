package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const project = "audit-project"

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), project, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = srv.GServer.CreateTopic(context.Background(), &pubsubpb.Topic{Name: "projects/" + project + "/topics/audit-events"})
	require.NoError(t, err)
	return srv, client
}

func TestPublishSendsJSONWithTraceContext(t *testing.T) {
	t.Parallel()

	srv, client := newFakeClient(t)
	pub := New(client, WithPropagator(propagation.TraceContext{}))
	t.Cleanup(func() { _ = pub.Close() })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	id, err := pub.Publish(ctx, "audit-events", map[string]any{"auditId": "a1", "status": "completed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "a1", body["auditId"])
	assert.Equal(t, "application/json", msgs[0].Attributes["contentType"])
	assert.Contains(t, msgs[0].Attributes["traceparent"], span.SpanContext().TraceID().String())
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "audit-events", "x")
	require.Error(t, err)

	_, client := newFakeClient(t)
	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(context.Background(), "audit-events", func() {})
	require.ErrorContains(t, err, "marshal payload")
	_, err = pub.Publish(context.Background(), "missing-topic", "x")
	require.Error(t, err)
}

func TestOpenRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
}
