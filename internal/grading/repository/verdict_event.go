package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"blockjudge/internal/common/mq"
	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"
)

const (
	VerdictEventFinal   = "final"
	DefaultVerdictTopic = "grading.verdict.final"
)

// VerdictEvent is the payload published for every finished submission.
// It carries the redacted verdict only.
type VerdictEvent struct {
	Type        string        `json:"type"`
	SubmitterID string        `json:"submitter,omitempty"`
	Verdict     model.Verdict `json:"verdict"`
	CreatedAt   int64         `json:"createdAt"`
}

// MQVerdictPublisher publishes final verdict events to a message queue.
type MQVerdictPublisher struct {
	producer mq.Producer
	topic    string
}

func NewMQVerdictPublisher(producer mq.Producer, topic string) *MQVerdictPublisher {
	return &MQVerdictPublisher{producer: producer, topic: topic}
}

func (p *MQVerdictPublisher) SaveVerdict(ctx context.Context, record service.VerdictRecord) error {
	if p == nil || p.producer == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if p.topic == "" {
		return pkgerrors.New(pkgerrors.InvalidParams).WithMessage("verdict topic is required")
	}
	if record.Submission.ID == "" {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	event := VerdictEvent{
		Type:        VerdictEventFinal,
		SubmitterID: record.Submission.SubmitterToken,
		Verdict:     record.Verdict,
		CreatedAt:   time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal verdict event failed: %w", err)
	}
	message := mq.NewMessage(record.Submission.ID, payload)
	message.SetHeader("challenge", record.Submission.ChallengeID)
	message.SetHeader("status", string(record.Verdict.Status))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.QueueError, "publish verdict event failed")
	}
	return nil
}
