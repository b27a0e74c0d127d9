package worker

import (
	"context"

	"github.com/example/document-delivery/internal/kafka/consumer"
)

// OffsetCommitter is the consumer side of offset commits.
type OffsetCommitter interface {
	Commit(ctx context.Context, record *consumer.Record) error
}

// KafkaHandler returns a consumer.Handler that converts consumer records and
// hands them to engine. Commits go back through cons.
func KafkaHandler(engine *Engine, cons OffsetCommitter) consumer.Handler {
	return func(ctx context.Context, rec *consumer.Record) error {
		if engine == nil || rec == nil {
			return nil
		}

		commitFn := func(context.Context) error { return nil }
		if cons != nil {
			commitFn = func(c context.Context) error {
				return cons.Commit(c, rec)
			}
		}

		engine.HandleRecord(ctx, NewRecordFromConsumer(rec, commitFn))
		return nil
	}
}
