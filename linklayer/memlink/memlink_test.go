package memlink

import (
	"context"
	"testing"
	"time"

	"github.com/meshcore/meshcore/linklayer"
	"github.com/meshcore/meshcore/wire"
)

func TestSendDeliversToConnectedPeer(t *testing.T) {
	hub := NewHub()
	a, b := wire.NewID(), wire.NewID()
	bindA := hub.Join(a)
	bindB := hub.Join(b)
	defer bindA.Close()
	defer bindB.Close()

	received := make(chan linklayer.Frame, 1)
	bindB.OnFrameReceived(func(f linklayer.Frame) { received <- f })

	hub.Connect(a, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bindA.Send(ctx, b, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-received:
		if string(f.Payload) != "hi" || f.Peer != a {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendToUnconnectedPeerFails(t *testing.T) {
	hub := NewHub()
	a, b := wire.NewID(), wire.NewID()
	bindA := hub.Join(a)
	bindB := hub.Join(b)
	defer bindA.Close()
	defer bindB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := bindA.Send(ctx, b, []byte("hi")); err != linklayer.ErrPeerNotConnected {
		t.Fatalf("Send: got %v, want ErrPeerNotConnected", err)
	}
}

func TestDisconnectFiresCallback(t *testing.T) {
	hub := NewHub()
	a, b := wire.NewID(), wire.NewID()
	bindA := hub.Join(a)
	bindB := hub.Join(b)
	defer bindA.Close()
	defer bindB.Close()

	hub.Connect(a, b)

	gone := make(chan wire.ID, 1)
	bindA.OnPeerDisconnected(func(id wire.ID) { gone <- id })

	hub.Disconnect(a, b)

	select {
	case id := <-gone:
		if id != b {
			t.Fatalf("unexpected disconnected peer: %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}
