package app

import (
	"context"
	"log"
	"time"

	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/pkg/rabbitmq"
)

// Routing keys on the mint events exchange.
const (
	RoutingKeyMintCompleted        = "mint.completed"
	RoutingKeyReconciliationFailed = "mint.reconciliation.failed"
	RoutingKeyMintOutcomeAmbiguous = "mint.outcome.ambiguous"
	defaultMintEventsExchange      = "ptmint.events"
	eventPublishTimeout            = 5 * time.Second
)

// eventPublisher publishes mint events. Publishing is best effort; the journal is the
// source of truth.
type eventPublisher struct {
	producer rabbitmq.Publisher
	exchange string
}

func newEventPublisher(producer rabbitmq.Publisher, exchange string) eventPublisher {
	if exchange == "" {
		exchange = defaultMintEventsExchange
	}
	return eventPublisher{producer: producer, exchange: exchange}
}

func (p eventPublisher) publish(ctx context.Context, routingKey string, event domain.MintEvent) {
	if p.producer == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := p.producer.Publish(publishCtx, p.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=mint_events msg=\"event publish failed\" routing_key=%s record_id=%s err=%v", routingKey, event.RecordID, err)
	}
}

func eventFromRecord(record *domain.MintRecord, txHash, status, reason string) domain.MintEvent {
	return domain.MintEvent{
		RecordID:      record.ID,
		OwnerAddress:  record.OwnerAddress,
		PublisherName: record.PublisherName,
		Amount:        record.Amount.String(),
		TxHash:        txHash,
		Status:        status,
		Reason:        reason,
	}
}
