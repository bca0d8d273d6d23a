package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaChannelPublishes(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "authrisk.security-events" {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "u1" {
			return fmt.Errorf("unexpected key %s", key)
		}
		value, _ := msg.Value.Encode()
		var alert Alert
		if err := json.Unmarshal(value, &alert); err != nil {
			return err
		}
		if alert.Title != "Brute force detected" {
			return fmt.Errorf("unexpected title %q", alert.Title)
		}
		return nil
	})

	kc := NewKafkaChannelWithProducer(producer, "authrisk.security-events")
	assert.True(t, kc.IsEnabled())
	assert.Equal(t, "kafka", kc.GetName())

	err := kc.Send(context.Background(), &Alert{
		ID: "a1", Level: AlertLevelError, Title: "Brute force detected", Recipient: "u1", Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, kc.Close())
}

func TestKafkaChannelFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	kc := NewKafkaChannelWithProducer(producer, "alerts")
	err := kc.Send(context.Background(), &Alert{Recipient: RecipientAdmins})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, kc.Close())
}

func TestKafkaChannelThroughManager(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()

	am := NewAlertManager(fastConfig(), nil, nil)
	am.RegisterChannel(NewKafkaChannelWithProducer(producer, "alerts"))

	require.NoError(t, am.Deliver(context.Background(), &Alert{Title: "t", Channels: []string{"kafka"}}))
	require.NoError(t, producer.Close())
}
