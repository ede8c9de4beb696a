package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/fetchcore/internal/publisher"
)

func TestPublishRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/proj/topics/batches"})
	require.NoError(t, err)
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  "projects/proj/subscriptions/batches-sub",
		Topic: topic.GetName(),
	})
	require.NoError(t, err)

	pub := New(client.Publisher("batches"))
	id, err := pub.Publish(ctx, publisher.BatchCompleted{BatchID: "b-42", Total: 2, Failed: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	pub.Stop()

	got := make(chan *pubsub.Message, 1)
	rctx, stop := context.WithCancel(ctx)
	go func() {
		_ = client.Subscriber("batches-sub").Receive(rctx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case got <- msg:
			default:
			}
			stop()
		})
	}()

	select {
	case msg := <-got:
		assert.Equal(t, "b-42", msg.Attributes["batch_id"])
		assert.Equal(t, publisher.EventBatchCompleted, msg.Attributes["event"])
		var decoded publisher.BatchCompleted
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		assert.Equal(t, 2, decoded.Total)
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
