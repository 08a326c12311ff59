package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestPipe_SendRecv(t *testing.T) {
	a, b := NewPipe(1)
	if err := a.Send(Envelope{ID: "t1", Signal: SignalQueued}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case ev := <-b.Recv():
		if ev.ID != "t1" || ev.Signal != SignalQueued {
			t.Fatalf("unexpected envelope: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope received")
	}
}

func TestPipe_SendAfterOwnClose(t *testing.T) {
	a, _ := NewPipe(1)
	a.Close()
	if err := a.Send(Envelope{ID: "t1"}); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("expected ErrPortClosed, got %v", err)
	}
}

func TestPipe_SendAfterPeerClose(t *testing.T) {
	a, b := NewPipe(0)
	b.Close()
	if err := a.Send(Envelope{ID: "t1"}); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("expected ErrPortClosed, got %v", err)
	}
}

func TestPipe_CloseIdempotent(t *testing.T) {
	a, b := NewPipe(1)
	a.Close()
	a.Close()
	if !a.Closed() {
		t.Fatal("a should report closed")
	}
	select {
	case <-b.PeerDone():
	case <-time.After(time.Second):
		t.Fatal("peer close not observed")
	}
}

func TestPipe_BufferedEnvelopeSurvivesClose(t *testing.T) {
	// terminal envelopes are sent right before the sender closes; the
	// receiver must still be able to drain them
	a, b := NewPipe(2)
	if err := a.Send(Envelope{ID: "t1", Signal: SignalDone}); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Close()
	select {
	case ev := <-b.Recv():
		if ev.Signal != SignalDone {
			t.Fatalf("unexpected signal %s", ev.Signal)
		}
	default:
		t.Fatal("buffered envelope lost")
	}
}

func TestSignal_Terminal(t *testing.T) {
	for _, s := range []Signal{SignalQueued, SignalReady, SignalData, SignalCancel} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if !SignalDone.Terminal() || !SignalAborted.Terminal() {
		t.Fatal("done/aborted should be terminal")
	}
}

func TestTask_AbortSticky(t *testing.T) {
	var task Task
	if task.Aborted() {
		t.Fatal("fresh task should not be aborted")
	}
	task.Abort()
	task.Abort()
	if !task.Aborted() {
		t.Fatal("aborted flag must stick")
	}
}
