package app

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/pkg/ledgerclient"
	"github.com/pointsmint/mint-service/pkg/rabbitmq"
)

func TestReconciliationReplayConsumer_HandleMessage(t *testing.T) {
	hash := "0x03"
	tests := []struct {
		name     string
		body     func(id uuid.UUID) []byte
		stateErr error
		lookup   *ledgerclient.MintLookup
		want     rabbitmq.Disposition
	}{
		{
			name: "malformed payload is dead-lettered",
			body: func(uuid.UUID) []byte { return []byte("{not json") },
			want: rabbitmq.Reject,
		},
		{
			name: "missing record id is dead-lettered",
			body: func(uuid.UUID) []byte { return []byte(`{"status":"reconciliation_failed"}`) },
			want: rabbitmq.Reject,
		},
		{
			name: "unknown record is dead-lettered",
			body: func(uuid.UUID) []byte {
				data, _ := json.Marshal(domain.MintEvent{RecordID: uuid.New(), TxHash: hash})
				return data
			},
			want: rabbitmq.Reject,
		},
		{
			name: "repaired record is acknowledged",
			body: func(id uuid.UUID) []byte {
				data, _ := json.Marshal(domain.MintEvent{RecordID: id, TxHash: hash})
				return data
			},
			want: rabbitmq.Ack,
		},
		{
			name: "hash minting to another holder is dead-lettered",
			body: func(id uuid.UUID) []byte {
				data, _ := json.Marshal(domain.MintEvent{RecordID: id, TxHash: hash})
				return data
			},
			lookup: &ledgerclient.MintLookup{State: ledgerclient.ReceiptSucceeded, To: common.HexToAddress("0x00000000000000000000000000000000000000bb"), Amount: mustBig(debtBaseUnits)},
			want:   rabbitmq.Reject,
		},
		{
			name: "ledger outage is requeued",
			body: func(id uuid.UUID) []byte {
				data, _ := json.Marshal(domain.MintEvent{RecordID: id, TxHash: hash})
				return data
			},
			stateErr: errors.New("rpc unavailable"),
			want:     rabbitmq.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryRepo()
			id := repo.putRecord(debtRecord(domain.MintStatusReconciliationFailed, &hash, time.Hour))
			minter := &fakeMinter{state: ledgerclient.ReceiptSucceeded, stateErr: tt.stateErr, lookup: tt.lookup}
			consumer := NewReconciliationReplayConsumer(NewReconciler(repo, minter, 10, 0))

			if got := consumer.HandleMessage(tt.body(id)); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReconciliationReplayConsumer_Bindings(t *testing.T) {
	consumer := NewReconciliationReplayConsumer(nil)
	bindings := consumer.Bindings()
	for _, key := range []string{RoutingKeyReconciliationFailed, RoutingKeyMintOutcomeAmbiguous} {
		if bindings[key] == nil {
			t.Fatalf("expected a handler for %s", key)
		}
	}
}
