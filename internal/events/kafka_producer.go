// Package events publishes settlement and load-match events to Kafka.
// Messages are keyed by load id so every event for a load lands on the same
// partition in order.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/freight-settlement/internal/models"
)

const (
	TypeLoadSettled = "load.settled"
	TypeLoadMatched = "load.matched"
)

type SettlementEvent struct {
	Type       string                  `json:"type"`
	OccurredAt time.Time               `json:"occurred_at"`
	Settlement models.SettlementResult `json:"settlement"`
}

type MatchCandidate struct {
	TransporterID string `json:"transporter_id"`
	UserID        string `json:"user_id"`
	MatchScore    int    `json:"match_score"`
	MatchReason   string `json:"match_reason"`
}

type MatchEvent struct {
	Type          string           `json:"type"`
	OccurredAt    time.Time        `json:"occurred_at"`
	LoadID        string           `json:"load_id"`
	PickupPincode string           `json:"pickup_pincode"`
	DropPincode   string           `json:"drop_pincode"`
	Candidates    []MatchCandidate `json:"candidates"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer          messageWriter
	settlementTopic string
	matchTopic      string
	timeout         time.Duration
}

func NewKafkaProducer(brokers []string, settlementTopic, matchTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: w, settlementTopic: settlementTopic, matchTopic: matchTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) SettlementCompleted(ctx context.Context, res models.SettlementResult) error {
	return k.publish(ctx, k.settlementTopic, res.LoadID, SettlementEvent{
		Type:       TypeLoadSettled,
		OccurredAt: res.Financials.LockedAt,
		Settlement: res,
	})
}

func (k *KafkaProducer) LoadMatched(ctx context.Context, load models.Load, matches []models.Match) error {
	ev := MatchEvent{
		Type:          TypeLoadMatched,
		OccurredAt:    time.Now().UTC(),
		LoadID:        load.ID,
		PickupPincode: load.PickupPincode,
		DropPincode:   load.DropPincode,
		Candidates:    make([]MatchCandidate, 0, len(matches)),
	}
	for _, m := range matches {
		ev.Candidates = append(ev.Candidates, MatchCandidate{
			TransporterID: m.Transporter.ID,
			UserID:        m.Transporter.UserID,
			MatchScore:    m.MatchScore,
			MatchReason:   m.MatchReason,
		})
	}
	return k.publish(ctx, k.matchTopic, load.ID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeSettlement parses a settlement message, rejecting other event types.
func DecodeSettlement(value []byte) (SettlementEvent, error) {
	var ev SettlementEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return SettlementEvent{}, err
	}
	if ev.Type != TypeLoadSettled {
		return SettlementEvent{}, fmt.Errorf("unexpected event type %q", ev.Type)
	}
	if ev.Settlement.LoadID == "" || ev.Settlement.TransporterID == "" {
		return SettlementEvent{}, fmt.Errorf("settlement event missing load or transporter")
	}
	return ev, nil
}
