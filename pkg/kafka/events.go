package kafka

import (
	"context"
	"time"

	"plotline/pkg/database"

	"github.com/sirupsen/logrus"
)

// Event represents a generic Kafka event
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	AgentAddress string                 `json:"agent_address,omitempty"`
	Data         map[string]interface{} `json:"data"`
	Timestamp    time.Time              `json:"timestamp"`
}

// RelayEvent represents a single relay lifecycle event
type RelayEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	AgentAddress  string                 `json:"agent_address,omitempty"`
	RelayID       string                 `json:"relay_id,omitempty"`
	TxHash        string                 `json:"tx_hash,omitempty"`
	Method        string                 `json:"method,omitempty"`
	CreditsSpent  int64                  `json:"credits_spent,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
}

// PackPurchaseEvent represents a credit pack purchase settled by the storefront
type PackPurchaseEvent struct {
	EventID      string    `json:"event_id"`
	AgentAddress string    `json:"agent_address"`
	PackID       string    `json:"pack_id"`
	Credits      int64     `json:"credits"`
	PurchasedAt  time.Time `json:"purchased_at"`
}

// EventHandler interface for handling Kafka events
type EventHandler interface {
	HandleEvent(event Event) error
}

// PackPurchaseEventHandler implements EventHandler to handle pack purchase events
type PackPurchaseEventHandler struct {
	handler func(database.PostgresConn, PackPurchaseEvent) error
	logger  *logrus.Logger
	db      database.PostgresConn
}

// NewPackPurchaseEventHandler creates a new handler for pack purchase events
func NewPackPurchaseEventHandler(db database.PostgresConn, handler func(database.PostgresConn, PackPurchaseEvent) error, logger *logrus.Logger) *PackPurchaseEventHandler {
	return &PackPurchaseEventHandler{
		handler: handler,
		logger:  logger,
		db:      db,
	}
}

// HandleEvent implements EventHandler by converting the event to a PackPurchaseEvent
func (h *PackPurchaseEventHandler) HandleEvent(event Event) error {
	purchase := PackPurchaseEvent{
		EventID:      event.ID,
		AgentAddress: event.AgentAddress,
		PurchasedAt:  event.Timestamp,
	}

	// Extract purchase fields from event.Data
	if packID, ok := event.Data["pack_id"].(string); ok {
		purchase.PackID = packID
	}
	if credits, ok := event.Data["credits"].(float64); ok {
		purchase.Credits = int64(credits)
	}
	if addr, ok := event.Data["agent_address"].(string); ok && purchase.AgentAddress == "" {
		purchase.AgentAddress = addr
	}

	return h.handler(h.db, purchase)
}

// ConsumerInterface defines the interface for Kafka consumers
type ConsumerInterface interface {
	AddHandler(topic string, handler Handler)
	Start(ctx context.Context) error
	Close() error
	HealthCheck() error
}

// ProducerInterface defines the interface for Kafka producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	PublishTypedEvent(event *RelayEvent) error
	PublishTypedBatch(events []RelayEvent) error
	Close() error
	HealthCheck() error
	GetMetrics() (map[string]interface{}, error)
}
