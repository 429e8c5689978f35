package network

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"testing"
	"time"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", log.New(io.Discard, "", 0), 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestJoinRoundTrip(t *testing.T) {
	zone := startServer(t)
	client := startServer(t)

	zone.Register(MessageJoin, func(ctx context.Context, addr *net.UDPAddr, env Envelope) {
		var join Join
		if err := json.Unmarshal(env.Payload, &join); err != nil {
			t.Errorf("decode join: %v", err)
			return
		}
		zone.SendTo(addr, MessageJoinAck, JoinAck{
			PlayerID:  join.PlayerID,
			ZoneID:    1,
			EntityRef: 7,
			Accepted:  true,
		})
	})

	acks := make(chan Envelope, 1)
	client.Register(MessageJoinAck, func(ctx context.Context, addr *net.UDPAddr, env Envelope) {
		acks <- env
	})

	err := client.Send(zone.LocalAddr().String(), MessageJoin, Join{PlayerID: 42, Username: "ada"})
	if err != nil {
		t.Fatalf("send join: %v", err)
	}

	select {
	case env := <-acks:
		if env.Seq == 0 {
			t.Fatalf("expected a positive envelope sequence")
		}
		if env.Timestamp.IsZero() {
			t.Fatalf("expected a timestamp on the envelope")
		}
		var ack JoinAck
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		if ack.PlayerID != 42 || ack.ZoneID != 1 || ack.EntityRef != 7 || !ack.Accepted {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for join ack")
	}
}

func TestServerSurvivesGarbage(t *testing.T) {
	zone := startServer(t)

	pings := make(chan struct{}, 1)
	zone.Register(MessagePing, func(ctx context.Context, addr *net.UDPAddr, env Envelope) {
		pings <- struct{}{}
	})

	raw, err := net.DialUDP("udp", nil, zone.LocalAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte("not json at all")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// Unregistered types are dropped without complaint.
	client := startServer(t)
	if err := client.Send(zone.LocalAddr().String(), MessageLeave, Leave{PlayerID: 9}); err != nil {
		t.Fatalf("send leave: %v", err)
	}

	if err := client.Send(zone.LocalAddr().String(), MessagePing, Ping{Time: time.Now()}); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatalf("server stopped handling messages")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", log.New(io.Discard, "", 0), 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not stop after cancellation")
	}
}
