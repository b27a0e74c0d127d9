package worker

import (
	"context"

	"github.com/example/document-delivery/internal/kafka/consumer"
)

// NewRecordFromConsumer converts a Kafka consumer record and binds commit,
// which RecordCommitter invokes once the event reached a final outcome.
func NewRecordFromConsumer(rec *consumer.Record, commit func(context.Context) error) *Record {
	if rec == nil {
		return nil
	}

	wr := &Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Timestamp: rec.Timestamp,
		Headers:   cloneHeaders(rec.Headers),
	}

	if commit != nil {
		wr.setCommitFn(commit)
	}

	return wr
}
