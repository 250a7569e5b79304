package natsclient

import (
	"context"
	"testing"
)

func TestConnectFailure(t *testing.T) {
	if _, err := NewPublisher("nats://127.0.0.1:1", "memori-test", nil); err == nil {
		t.Fatal("expected connecting to a closed port to fail")
	}
}

func TestDisconnectedPublisher(t *testing.T) {
	p := &Publisher{}
	if err := p.Publish(context.Background(), "memori.clusters.events", []byte("{}")); err == nil {
		t.Fatal("expected publish without a connection to fail")
	}
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush without a connection should be a no-op, got %v", err)
	}
	p.Close()
}
