package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type notice struct {
	Reference string `json:"reference"`
}

func (n notice) Attributes() map[string]string {
	return map[string]string{"event": "upsert"}
}

func TestPublishToFakeServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()
	_, err = client.CreateTopic(ctx, "commits")
	require.NoError(t, err)

	p := New(client)
	id, err := p.Publish(ctx, "commits", notice{Reference: "http://ex/a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, p.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "http://ex/a", got.Reference)
	require.Equal(t, "upsert", msgs[0].Attributes["event"])
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", nil)
	require.Error(t, err)

	_, err = Open(context.Background(), " ")
	require.Error(t, err)
}
