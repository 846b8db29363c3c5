package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidState      = errors.New("invalid job state")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrUnknownQueue      = errors.New("unknown queue")
	ErrInvalidPayload    = errors.New("invalid job payload")
)

type QueueName string

const (
	QueueWebhook   QueueName = "webhook"
	QueueIngestion QueueName = "ingestion"
	QueueAnalysis  QueueName = "analysis"
	QueueDecay     QueueName = "decay"
)

var AllQueues = []QueueName{QueueWebhook, QueueIngestion, QueueAnalysis, QueueDecay}

func ParseQueueName(raw string) (QueueName, error) {
	name := QueueName(strings.ToLower(strings.TrimSpace(raw)))
	for _, q := range AllQueues {
		if q == name {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQueue, raw)
}

// Spec is the retry, concurrency and retention policy of one queue.
type Spec struct {
	Name           QueueName
	Attempts       int
	InitialBackoff time.Duration
	Concurrency    int
	Timeout        time.Duration
	KeepCompleted  int
	KeepDead       int
}

// DefaultSpecs are the built-in policies; configuration may override them.
func DefaultSpecs() map[QueueName]Spec {
	return map[QueueName]Spec{
		QueueWebhook:   {Name: QueueWebhook, Attempts: 5, InitialBackoff: time.Second, Concurrency: 10, Timeout: time.Minute, KeepCompleted: 100, KeepDead: 500},
		QueueIngestion: {Name: QueueIngestion, Attempts: 3, InitialBackoff: 2 * time.Second, Concurrency: 5, Timeout: 2 * time.Minute, KeepCompleted: 100, KeepDead: 500},
		QueueAnalysis:  {Name: QueueAnalysis, Attempts: 3, InitialBackoff: 2 * time.Second, Concurrency: 5, Timeout: time.Minute, KeepCompleted: 100, KeepDead: 500},
		QueueDecay:     {Name: QueueDecay, Attempts: 3, InitialBackoff: 30 * time.Second, Concurrency: 1, Timeout: 30 * time.Minute, KeepCompleted: 100, KeepDead: 500},
	}
}

type WebhookPayload struct {
	Platform   string          `json:"platform"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

type IngestionPayload struct {
	AccountID string `json:"accountId"`
}

type AnalysisPayload struct {
	TenantID      string `json:"tenantId"`
	InteractionID string `json:"interactionId"`
}

func AnalysisJobID(interactionID string) string {
	return "analysis:" + interactionID
}

// DecayJobID is the fixed id of the decay run for the UTC day of t, so
// scheduling the same day twice never creates two jobs.
func DecayJobID(t time.Time) string {
	return "decay:" + t.UTC().Format("2006-01-02")
}

// Decode unmarshals raw job data into out and tags failures with ErrInvalidPayload.
func Decode(raw []byte, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
