//go:build integration

package natsutil

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(natsURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

func TestNATS_Publish(t *testing.T) {
	nc := connectNATS(t)

	type msg struct {
		Text string `json:"text"`
	}

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("integ.publish", ch)
	if err != nil {
		t.Fatalf("ChanSubscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "integ.publish", msg{Text: "hello integration"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		var decoded msg
		if err := json.Unmarshal(got.Data, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Text != "hello integration" {
			t.Fatalf("expected 'hello integration', got %q", decoded.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}
