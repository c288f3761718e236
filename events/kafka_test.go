package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/premium"
)

func testEvent() premium.Event {
	event := premium.NewEvent(premium.EventPurchaseCompleted, "cancer immunotherapy",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	event.TransactionID = "0xabc"
	event.Items = 3
	return event
}

func TestKafkaSink_Emit(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	var got premium.Event
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		return json.Unmarshal(val, &got)
	})

	sink := NewKafkaSinkWithProducer(producer, "")
	event := testEvent()
	require.NoError(t, sink.Emit(context.Background(), event))
	require.NoError(t, sink.Close())

	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, premium.EventPurchaseCompleted, got.Type)
	assert.Equal(t, "0xabc", got.TransactionID)
	assert.Equal(t, 3, got.Items)
}

func TestKafkaSink_EmitFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := NewKafkaSinkWithProducer(producer, "audit")
	err := sink.Emit(context.Background(), testEvent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))
	assert.Contains(t, err.Error(), "purchase.completed")
	require.NoError(t, sink.Close())
}

func TestKafkaSink_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	sink := NewKafkaSinkWithProducer(producer, "audit")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Emit(ctx, testEvent()), context.Canceled)
	require.NoError(t, sink.Close())
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(nil, "audit")
	assert.Error(t, err)
}

func TestNewProducerConfig(t *testing.T) {
	config := NewProducerConfig()
	require.NoError(t, config.Validate())
	assert.True(t, config.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
}
