// Package events publishes update job lifecycle events to NATS
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"pricing-sync-service/internal/models"
)

const (
	SubjectJobStarted   = "pricing.job.started"
	SubjectJobCompleted = "pricing.job.completed"
)

// JobEvent is the payload of every job event
type JobEvent struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	JobID       uint             `json:"job_id"`
	Filename    string           `json:"filename"`
	Status      models.JobStatus `json:"status"`
	StoreIDs    []uint           `json:"store_ids"`
	TotalPairs  int              `json:"total_pairs"`
	FailedPairs int              `json:"failed_pairs"`
	Cancelled   bool             `json:"cancelled"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Conn is the part of *nats.Conn used for publishing
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher publishes job events
type Publisher struct {
	conn   Conn
	logger *logrus.Entry
}

// Connect dials NATS and returns a publisher
func Connect(natsURL string, logger *logrus.Logger) (*Publisher, error) {
	if natsURL == "" {
		return nil, fmt.Errorf("NATS URL is required")
	}

	conn, err := nats.Connect(natsURL,
		nats.Name("pricing-sync-service-publisher"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return NewPublisher(conn, logger), nil
}

// NewPublisher wraps an existing connection
func NewPublisher(conn Conn, logger *logrus.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger.WithField("component", "events.publisher"),
	}
}

// JobStarted publishes pricing.job.started
func (p *Publisher) JobStarted(job *models.UpdateJob) error {
	return p.publish(SubjectJobStarted, job)
}

// JobCompleted publishes pricing.job.completed
func (p *Publisher) JobCompleted(job *models.UpdateJob) error {
	return p.publish(SubjectJobCompleted, job)
}

func (p *Publisher) publish(subject string, job *models.UpdateJob) error {
	event := JobEvent{
		EventID:     uuid.New().String(),
		EventType:   subject,
		JobID:       job.ID,
		Filename:    job.Filename,
		Status:      job.Status,
		StoreIDs:    []uint(job.TargetStoreIDs),
		TotalPairs:  job.TotalPairs,
		FailedPairs: job.FailedPairs,
		Cancelled:   job.Cancelled,
		Timestamp:   time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.WithError(err).WithField("job_id", job.ID).Errorf("Failed to publish %s event", subject)
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"status": job.Status,
	}).Debugf("Published %s event", subject)
	return nil
}

// Close drains the connection
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
