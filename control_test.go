package storybridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestControlChannel(t *testing.T) {
	f := newEdgeFixture(t)
	f.register(t, 1)
	m := DefaultManifest()
	m.Version = 2
	if _, err := f.edge.Register(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(ControlHandler(f.edge))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The handler serves every path, so the client's ControlPath suffix is fine.
	client, err := DialControl(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	reply, err := client.Send(ctx, MessageSkipWaiting)
	if err != nil {
		t.Fatal(err)
	}
	if !reply.OK || reply.Type != MessageSkipWaiting || reply.Status.ActiveVersion != 2 {
		t.Fatalf("reply = %+v", reply)
	}

	reply, err = client.Send(ctx, MessageUpdateCache)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.Status.Caches) != 0 {
		t.Fatalf("caches after refresh = %v", reply.Status.Caches)
	}

	reply, err = client.Send(ctx, "BOGUS")
	if err == nil {
		t.Fatal("expected error for unknown message")
	}
	if reply == nil || reply.OK || !strings.Contains(reply.Error, "unknown control message") {
		t.Fatalf("reply = %+v", reply)
	}

	// The connection survives a rejected message.
	if _, err := client.Send(ctx, MessageSkipWaiting); err != nil {
		t.Fatalf("send after rejection: %v", err)
	}
}

func TestDialControlFailure(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := DialControl(ctx, url); err == nil {
		t.Fatal("expected dial error")
	}
}
