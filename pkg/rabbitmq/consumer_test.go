package rabbitmq

import (
	"errors"
	"testing"
)

type recordingAcker struct {
	acks     int
	requeued int
	dropped  int
	err      error
}

func (a *recordingAcker) Ack(multiple bool) error {
	a.acks++
	return a.err
}

func (a *recordingAcker) Nack(multiple, requeue bool) error {
	if requeue {
		a.requeued++
	} else {
		a.dropped++
	}
	return a.err
}

func TestSettle(t *testing.T) {
	tests := []struct {
		disposition                Disposition
		acks, requeued, deadLetter int
	}{
		{disposition: Ack, acks: 1},
		{disposition: Retry, requeued: 1},
		{disposition: Reject, deadLetter: 1},
		{disposition: Disposition(42), deadLetter: 1},
	}

	for _, tt := range tests {
		t.Run(tt.disposition.String(), func(t *testing.T) {
			acker := &recordingAcker{}
			settle(acker, "mint.reconciliation_failed", tt.disposition)
			if acker.acks != tt.acks || acker.requeued != tt.requeued || acker.dropped != tt.deadLetter {
				t.Fatalf("expected ack=%d requeue=%d dead=%d, got %+v", tt.acks, tt.requeued, tt.deadLetter, acker)
			}
		})
	}
}

func TestSettleSurvivesBrokerError(t *testing.T) {
	acker := &recordingAcker{err: errors.New("channel closed")}
	settle(acker, "mint.outcome_ambiguous", Ack)
	if acker.acks != 1 {
		t.Fatalf("expected one ack attempt, got %d", acker.acks)
	}
}

func TestDispatch(t *testing.T) {
	var seen []byte
	handlers := map[string]Handler{
		"mint.reconciliation_failed": func(body []byte) Disposition {
			seen = body
			return Retry
		},
	}

	if got := dispatch(handlers, "mint.reconciliation_failed", []byte("payload")); got != Retry {
		t.Fatalf("expected handler verdict retry, got %s", got)
	}
	if string(seen) != "payload" {
		t.Fatalf("expected body to reach the handler, got %q", seen)
	}
	if got := dispatch(handlers, "mint.unknown", nil); got != Reject {
		t.Fatalf("expected unhandled routing key to be rejected, got %s", got)
	}
}

func TestNewQueueTopology(t *testing.T) {
	defaults := newQueueTopology("ptmint.events", "mint_service.reconciliation_replay", ConsumerOptions{})
	if defaults.prefetch != 1 {
		t.Fatalf("expected prefetch 1, got %d", defaults.prefetch)
	}
	if defaults.deadLetterExchange != "ptmint.events.dlx" || defaults.deadLetterQueue != "mint_service.reconciliation_replay.dead" {
		t.Fatalf("unexpected dead-letter topology %+v", defaults)
	}
	if got := defaults.queueArgs()["x-dead-letter-exchange"]; got != "ptmint.events.dlx" {
		t.Fatalf("expected queue to dead-letter into ptmint.events.dlx, got %v", got)
	}

	custom := newQueueTopology("ptmint.events", "replay", ConsumerOptions{Prefetch: 8, DeadLetterExchange: "ops.dlx"})
	if custom.prefetch != 8 || custom.deadLetterExchange != "ops.dlx" {
		t.Fatalf("expected options to be honoured, got %+v", custom)
	}
}
