package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/adshares/ads-tests-sub000/internal/reconciliation"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the report topic producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks string
}

// KafkaPublisher streams every finished run to a Kafka topic: one summary
// message keyed by run id followed by one message per account snapshot
// keyed by address.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka publisher configuration incomplete: both brokers and topic are required")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 100 * time.Millisecond
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}

	var acks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case "none":
		acks = kafka.RequireNone
	case "all":
		acks = kafka.RequireAll
	default:
		acks = kafka.RequireOne
	}

	logger = logger.With("component", "report_publisher", "topic", cfg.Topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		WriteTimeout: writeTimeout,
		RequiredAcks: acks,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	}

	logger.Info("kafka report publisher created", "brokers", cfg.Brokers)
	return newKafkaPublisher(w, cfg.Topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

type runSummary struct {
	RunID      string    `json:"run_id"`
	Result     string    `json:"result"`
	Total      int       `json:"total"`
	Matched    int       `json:"matched"`
	Mismatched int       `json:"mismatched"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type snapshotMessage struct {
	RunID string `json:"run_id"`
	reconciliation.SnapshotResult
}

func (p *KafkaPublisher) Publish(ctx context.Context, run *reconciliation.RunResult) error {
	msgs, err := runMessages(run)
	if err != nil {
		metrics.ReportsPublishedTotal.WithLabelValues("kafka", metrics.OutcomeError).Inc()
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.ReportsPublishedTotal.WithLabelValues("kafka", metrics.OutcomeError).Inc()
		p.logger.Warn("failed to write report messages", "run_id", run.RunID, "count", len(msgs), "error", err)
		return fmt.Errorf("write run %s to kafka: %w", run.RunID, err)
	}
	metrics.ReportsPublishedTotal.WithLabelValues("kafka", metrics.OutcomeOK).Inc()
	p.logger.Debug("report published", "run_id", run.RunID, "messages", len(msgs))
	return nil
}

func runMessages(run *reconciliation.RunResult) ([]kafka.Message, error) {
	runID := run.RunID.String()
	summary, err := json.Marshal(runSummary{
		RunID:      runID,
		Result:     verdict(run.OK()),
		Total:      run.Total,
		Matched:    run.Matched,
		Mismatched: run.Mismatched,
		Errors:     run.Errors,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run summary: %w", err)
	}

	msgs := make([]kafka.Message, 0, len(run.Snapshots)+1)
	msgs = append(msgs, kafka.Message{
		Key:     []byte(runID),
		Value:   summary,
		Headers: []kafka.Header{{Key: "kind", Value: []byte("summary")}},
	})
	for _, snap := range run.Snapshots {
		value, err := json.Marshal(snapshotMessage{RunID: runID, SnapshotResult: snap})
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot %s: %w", snap.Address, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(snap.Address),
			Value:   value,
			Headers: []kafka.Header{{Key: "kind", Value: []byte("snapshot")}},
		})
	}
	return msgs, nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("closing kafka report publisher")
	return p.writer.Close()
}

// WriterPublisher renders each run to an io.Writer. It is the sink used
// when no broker is configured.
type WriterPublisher struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

func NewWriterPublisher(w io.Writer, format Format) *WriterPublisher {
	return &WriterPublisher{w: w, format: format}
}

func (p *WriterPublisher) Publish(_ context.Context, run *reconciliation.RunResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := WriteRun(p.w, p.format, run)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ReportsPublishedTotal.WithLabelValues("writer", outcome).Inc()
	return err
}

// MultiPublisher hands a run to every publisher and returns the first error.
type MultiPublisher []reconciliation.Publisher

func (m MultiPublisher) Publish(ctx context.Context, run *reconciliation.RunResult) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, run); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
