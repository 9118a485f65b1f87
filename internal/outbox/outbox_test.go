package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/atmx/energy-market/internal/model"
)

var enqueuedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openOutbox(t *testing.T, dir string) *Outbox {
	t.Helper()
	o, err := Open(dir)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return o
}

func trades(n int) []model.Trade {
	out := make([]model.Trade, n)
	for i := range out {
		out[i] = model.Trade{ID: fmt.Sprintf("t-%d", i), Amount: uint64(i + 1), Price: 5, Timestamp: enqueuedAt}
	}
	return out
}

func pendingSeqs(t *testing.T, o *Outbox) []uint64 {
	t.Helper()
	var seqs []uint64
	if err := o.ScanPending(0, func(ev Event) error {
		seqs = append(seqs, ev.Seq)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return seqs
}

func TestEnqueueAndScanInOrder(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	if err := o.Enqueue("default", trades(3), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.Enqueue("default", trades(2), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var got []Event
	if err := o.ScanPending(0, func(ev Event) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Market != "default" {
			t.Errorf("event %d market = %q", i, ev.Market)
		}
	}
	if got[3].Trade.ID != "t-0" {
		t.Errorf("second batch should follow the first, got %s", got[3].Trade.ID)
	}
}

func TestEnqueueEmptyIsNoop(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	if err := o.Enqueue("default", nil, enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, _ := o.Pending(); n != 0 {
		t.Fatalf("expected empty outbox, got %d", n)
	}
}

func TestScanPendingLimit(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	if err := o.Enqueue("default", trades(5), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n := 0
	if err := o.ScanPending(2, func(Event) error { n++; return nil }); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()

	if err := o.Enqueue("default", trades(3), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.Ack(2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	seqs := pendingSeqs(t, o)
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 3 {
		t.Fatalf("unexpected pending seqs %v", seqs)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	o := openOutbox(t, dir)
	if err := o.Enqueue("default", trades(2), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Drain fully before closing.
	_ = o.Ack(1)
	_ = o.Ack(2)
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	o = openOutbox(t, dir)
	defer o.Close()
	if err := o.Enqueue("default", trades(1), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	seqs := pendingSeqs(t, o)
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Fatalf("expected seq 3 after reopen, got %v", seqs)
	}
}

func TestClosedOutbox(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := o.Enqueue("default", trades(1), enqueuedAt); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := o.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestCloseWaitsForRunningScan(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	if err := o.Enqueue("default", trades(3), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	scanErr := make(chan error, 1)
	seen := 0
	go func() {
		scanErr <- o.ScanPending(0, func(Event) error {
			seen++
			if seen == 1 {
				close(started)
				<-release
			}
			return nil
		})
	}()
	<-started

	closeErr := make(chan error, 1)
	go func() { closeErr <- o.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for !o.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("Close never marked the outbox closed")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-closeErr:
		t.Fatalf("Close returned during a scan: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-scanErr; !errors.Is(err, ErrClosed) {
		t.Errorf("scan err = %v, want ErrClosed", err)
	}
	if seen != 1 {
		t.Errorf("scan visited %d events after close, want 1", seen)
	}
	select {
	case err := <-closeErr:
		if err != nil {
			t.Errorf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the scan ended")
	}
}

// --- Relay ---

func TestRelayOnce_PublishesAndAcks(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()
	if err := o.Enqueue("default", trades(2), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Seq != 1 || ev.Trade.ID != "t-0" {
			return fmt.Errorf("unexpected first event %+v", ev)
		}
		return nil
	})
	sp.ExpectSendMessageAndSucceed()

	r := NewRelay(o, sp, "energy.trades", 10, slog.Default())
	sent, err := r.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if n, _ := o.Pending(); n != 0 {
		t.Fatalf("expected drained outbox, got %d pending", n)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRelayOnce_StopsAtFirstFailure(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()
	if err := o.Enqueue("default", trades(3), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	r := NewRelay(o, sp, "energy.trades", 10, slog.Default())
	sent, err := r.RelayOnce(context.Background())
	if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	seqs := pendingSeqs(t, o)
	if len(seqs) != 2 || seqs[0] != 2 {
		t.Fatalf("failed event must stay first in line, pending %v", seqs)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRelayOnce_RespectsBatch(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()
	if err := o.Enqueue("default", trades(3), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndSucceed()

	r := NewRelay(o, sp, "energy.trades", 2, slog.Default())
	sent, err := r.RelayOnce(context.Background())
	if err != nil || sent != 2 {
		t.Fatalf("sent %d, err %v", sent, err)
	}
	if n, _ := o.Pending(); n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRelayOnce_CancelledContext(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	defer o.Close()
	if err := o.Enqueue("default", trades(1), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sp := mocks.NewSyncProducer(t, nil)
	r := NewRelay(o, sp, "energy.trades", 10, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.RelayOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n, _ := o.Pending(); n != 1 {
		t.Fatalf("event should remain pending, got %d", n)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRelayRun_DrainsThenStopsOnCancel(t *testing.T) {
	o := openOutbox(t, t.TempDir())
	if err := o.Enqueue("default", trades(2), enqueuedAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	sp.ExpectSendMessageAndSucceed()
	r := NewRelay(o, sp, "energy.trades", 10, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := o.Pending(); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay did not drain the outbox")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Nothing touches the producer or the outbox once Run has returned.
	if err := r.Close(); err != nil {
		t.Fatalf("close relay: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close outbox: %v", err)
	}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	if _, err := NewProducer(nil); err == nil {
		t.Fatal("expected error without brokers")
	}
}
