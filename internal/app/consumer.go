/**
 * @description
 * This file implements the reconciliation replay consumer. It receives the events published
 * for unreconciled and ambiguous mints and hands each record to the reconciler. Outages are
 * redelivered, while payloads that can never be repaired go to the dead-letter queue.
 *
 * @dependencies
 * - github.com/google/uuid: Record identifiers in event payloads.
 * - pkg/rabbitmq: Delivery dispositions.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/pkg/rabbitmq"
)

const replayTimeout = 15 * time.Second

// ReconciliationReplayConsumer repairs mints announced on the events exchange as unreconciled
// or ambiguous.
type ReconciliationReplayConsumer struct {
	reconciler *Reconciler
}

func NewReconciliationReplayConsumer(reconciler *Reconciler) *ReconciliationReplayConsumer {
	return &ReconciliationReplayConsumer{reconciler: reconciler}
}

// Bindings returns the routing keys this consumer handles.
func (c *ReconciliationReplayConsumer) Bindings() map[string]rabbitmq.Handler {
	return map[string]rabbitmq.Handler{
		RoutingKeyReconciliationFailed: c.HandleMessage,
		RoutingKeyMintOutcomeAmbiguous: c.HandleMessage,
	}
}

// HandleMessage retries only failures worth redelivering and dead-letters payloads that can
// never be repaired.
func (c *ReconciliationReplayConsumer) HandleMessage(body []byte) rabbitmq.Disposition {
	var event domain.MintEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=replay_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return rabbitmq.Reject
	}
	if event.RecordID == uuid.Nil {
		log.Printf("level=warn component=replay_consumer msg=\"missing record id in event\" event=%+v", event)
		return rabbitmq.Reject
	}

	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()

	outcome, err := c.reconciler.Repair(ctx, event.RecordID, event.TxHash)
	if err != nil {
		if IsPermanentRepairError(err) {
			log.Printf("level=warn component=replay_consumer msg=\"record cannot be repaired; dead-lettering\" record_id=%s err=%v", event.RecordID, err)
			return rabbitmq.Reject
		}
		log.Printf("level=error component=replay_consumer msg=\"repair failed; requeueing\" record_id=%s err=%v", event.RecordID, err)
		return rabbitmq.Retry
	}

	// A receipt that is not yet visible is left to the sweep.
	log.Printf("level=info component=replay_consumer msg=\"repair attempted\" record_id=%s outcome=%s", event.RecordID, outcome)
	return rabbitmq.Ack
}
