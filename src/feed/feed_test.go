package feed

import (
	"testing"

	"server-vibe-agent/src/queue"
)

func cmd(id string) queue.Command {
	return queue.Command{ID: id, UserID: "u", CommandText: "whoami", Status: queue.StatusPending}
}

func TestOfferForwardsOnce(t *testing.T) {
	f := New(4)

	if !f.Offer(cmd("c1")) {
		t.Fatal("Expected first offer to be accepted")
	}
	if f.Offer(cmd("c1")) {
		t.Error("Expected duplicate offer to be rejected")
	}

	select {
	case got := <-f.Commands():
		if got.ID != "c1" {
			t.Errorf("Expected c1, got %s", got.ID)
		}
	default:
		t.Fatal("Expected command on the stream")
	}

	select {
	case got := <-f.Commands():
		t.Errorf("Expected exactly one delivery, got extra %s", got.ID)
	default:
	}
}

func TestForgetAllowsReoffer(t *testing.T) {
	f := New(4)

	f.Offer(cmd("c1"))
	<-f.Commands()

	if f.Offer(cmd("c1")) {
		t.Error("Expected in-flight id to stay deduplicated until Forget")
	}
	f.Forget("c1")
	if !f.Offer(cmd("c1")) {
		t.Error("Expected re-offer after Forget to be accepted")
	}
}

func TestFullBufferDropsWithoutPinning(t *testing.T) {
	f := New(1)

	if !f.Offer(cmd("c1")) {
		t.Fatal("Expected first offer to fill the buffer")
	}
	if f.Offer(cmd("c2")) {
		t.Fatal("Expected offer into full buffer to be dropped")
	}

	// The dropped id must not stay in the seen set, otherwise the next poll
	// could never re-offer it.
	<-f.Commands()
	if !f.Offer(cmd("c2")) {
		t.Error("Expected dropped command to be accepted once space frees up")
	}
}

func TestEmptyIDRejected(t *testing.T) {
	f := New(4)
	if f.Offer(queue.Command{}) {
		t.Error("Expected command without id to be rejected")
	}
	if f.InFlight() != 0 {
		t.Errorf("Expected empty seen set, got %d", f.InFlight())
	}
}
