package collab

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/webodf/Kotype/backend/internal/ops"
)

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("leader not available"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt CommitEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.DocumentID != "D" || evt.Head != 3 || len(evt.Ops) != 1 {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-commits", zap.NewNop(), KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxInFlight: 1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	d.Publish(newCommitEvent("D", "ann_D_1", 1, 2, []ops.Op{ops.NewCursorAdded("ann_D_1", 1)}, time.Now()))
	require.NoError(t, d.Close())

	// publishing after close is dropped silently
	d.Publish(CommitEvent{DocumentID: "D"})
	assert.NoError(t, d.Close())
}

func TestDispatcherGivesUpAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("boom"))
	producer.ExpectSendMessageAndFail(errors.New("boom"))

	d := NewKafkaDispatcher(producer, "doc-commits", zap.NewNop(), KafkaDispatcherOptions{
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
	})
	d.Publish(CommitEvent{DocumentID: "D", EventID: "e1"})
	require.NoError(t, d.Close())
}
