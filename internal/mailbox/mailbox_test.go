package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestMailbox_BasicPushReceive(t *testing.T) {
	mb := New[int]()

	for i := 0; i < 5; i++ {
		if !mb.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if mb.Len() != 5 {
		t.Errorf("Len() = %d, want 5", mb.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := mb.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if mb.Len() != 0 {
		t.Errorf("Len() = %d, want 0", mb.Len())
	}
}

func TestMailbox_Unbounded(t *testing.T) {
	mb := New[int]()

	for i := 0; i < 10000; i++ {
		if !mb.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	stats := mb.Stats()
	if stats.Count != 10000 {
		t.Errorf("Count = %d, want 10000", stats.Count)
	}
	if stats.Peak != 10000 {
		t.Errorf("Peak = %d, want 10000", stats.Peak)
	}

	for i := 0; i < 10000; i++ {
		val, ok := mb.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Fatalf("received %d, want %d", val, i)
		}
	}
}

func TestMailbox_BlockingReceive(t *testing.T) {
	mb := New[int]()

	received := make(chan int, 1)
	go func() {
		val, ok := mb.Receive()
		if ok {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Push(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for receive")
	}
}

func TestMailbox_CloseDrainsRemaining(t *testing.T) {
	mb := New[int]()
	mb.Push(1)
	mb.Push(2)
	mb.Close()

	if mb.Push(3) {
		t.Error("Push after Close should return false")
	}

	for _, want := range []int{1, 2} {
		val, ok := mb.Receive()
		if !ok {
			t.Fatalf("Receive() returned false, want %d", want)
		}
		if val != want {
			t.Errorf("received %d, want %d", val, want)
		}
	}

	if _, ok := mb.Receive(); ok {
		t.Error("Receive on closed empty mailbox should return false")
	}
}

func TestMailbox_CloseWakesReceivers(t *testing.T) {
	mb := New[int]()

	done := make(chan bool, 1)
	go func() {
		_, ok := mb.Receive()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	mb.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("expected ok=false after close")
		}
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by Close")
	}
}

func TestMailbox_ReadySignalsEachItem(t *testing.T) {
	mb := New[int]()
	for i := 0; i < 3; i++ {
		mb.Push(i)
	}

	var got []int
	for len(got) < 3 {
		select {
		case <-mb.Ready():
			if v, ok := mb.TryReceive(); ok {
				got = append(got, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("Ready not re-armed, got %v", got)
		}
	}

	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestMailbox_ReadyAfterClose(t *testing.T) {
	mb := New[int]()
	mb.Close()

	select {
	case <-mb.Ready():
	case <-time.After(time.Second):
		t.Fatal("Ready not signalled on Close")
	}

	if _, ok := mb.TryReceive(); ok {
		t.Error("TryReceive on closed empty mailbox should return false")
	}
	if !mb.Closed() {
		t.Error("Closed() = false, want true")
	}
}

func TestMailbox_ConcurrentProducers(t *testing.T) {
	mb := New[int]()
	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				mb.Push(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	// Per-producer order must be preserved.
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < producers*perProducer; n++ {
		v, ok := mb.TryReceive()
		if !ok {
			t.Fatalf("missing item %d", n)
		}
		p, seq := v/perProducer, v%perProducer
		if seq <= last[p] {
			t.Fatalf("producer %d out of order: %d after %d", p, seq, last[p])
		}
		last[p] = seq
	}

	stats := mb.Stats()
	if stats.TotalReceived != producers*perProducer || stats.TotalSent != producers*perProducer {
		t.Errorf("stats = %+v, want %d in and out", stats, producers*perProducer)
	}
}

func TestMailbox_DrainTo(t *testing.T) {
	mb := New[int]()
	for i := 0; i < 10; i++ {
		mb.Push(i)
	}

	batch := mb.DrainTo(4)
	if len(batch) != 4 {
		t.Fatalf("DrainTo(4) returned %d items", len(batch))
	}
	for i, v := range batch {
		if v != i {
			t.Errorf("batch[%d] = %d, want %d", i, v, i)
		}
	}

	rest := mb.DrainTo(0)
	if len(rest) != 6 {
		t.Errorf("DrainTo(0) returned %d items, want 6", len(rest))
	}
	if mb.DrainTo(0) != nil {
		t.Error("DrainTo on empty mailbox should return nil")
	}
}
