package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"testing"

	"capsule/internal/config"
	"capsule/internal/metrics"
	"capsule/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(t models.EventType, id uint64) *models.LedgerEvent {
	e := models.NewLedgerEvent(t, common.HexToAddress("0x1"), 1000)
	e.EscrowID = id
	e.Amount = big.NewInt(100)
	return e
}

func TestFileOutput(t *testing.T) {
	dir := t.TempDir()
	out, err := NewFileOutput(dir)
	require.NoError(t, err)

	require.NoError(t, out.WriteEvent(sampleEvent(models.EventEscrowCreated, 1)))
	require.NoError(t, out.WriteEvent(sampleEvent(models.EventEscrowCreated, 2)))
	require.NoError(t, out.WriteEvent(sampleEvent(models.EventEscrowOpened, 1)))
	require.NoError(t, out.WriteEvent(nil))

	files := out.Files()
	require.Len(t, files, 2)

	f, err := os.Open(files[models.EventEscrowCreated])
	require.NoError(t, err)
	defer f.Close()

	var ids []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e models.LedgerEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		ids = append(ids, e.EscrowID)
	}
	assert.Equal(t, []uint64{1, 2}, ids)

	assert.NoError(t, out.Close())
}

func TestNewOutput(t *testing.T) {
	logger, _ := test.NewNullLogger()

	out, err := NewOutput(&config.OutputConfig{Format: "none"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &NopOutput{}, out)

	out, err = NewOutput(&config.OutputConfig{Format: "file", Directory: t.TempDir()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &FileOutput{}, out)

	_, err = NewOutput(&config.OutputConfig{Format: "parquet"}, logger)
	assert.Error(t, err)
}

func TestTopicFor(t *testing.T) {
	topics := map[string]string{"escrow_opened": "custom_opened"}
	assert.Equal(t, "custom_opened", topicFor(topics, models.EventEscrowOpened))
	assert.Equal(t, "capsule_escrow_created", topicFor(topics, models.EventEscrowCreated))
	assert.Equal(t, "capsule_other", topicFor(nil, models.EventType("other")))
}

func TestKafkaOutput(t *testing.T) {
	logger, _ := test.NewNullLogger()
	producer := mocks.NewSyncProducer(t, SyncProducerConfig())

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "capsule_escrow_created" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "7" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	out := NewKafkaOutputWithProducer(producer, nil, logger)
	assert.NoError(t, out.WriteEvent(sampleEvent(models.EventEscrowCreated, 7)))
	assert.Error(t, out.WriteEvent(sampleEvent(models.EventEscrowOpened, 7)))
	assert.NoError(t, out.Close())
}

func TestAsyncKafkaOutput(t *testing.T) {
	logger, _ := test.NewNullLogger()
	producer := mocks.NewAsyncProducer(t, AsyncProducerConfig())
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndSucceed()
	producer.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	out := NewAsyncKafkaOutputWithProducer(producer, defaultTopics, logger)
	require.NoError(t, out.WriteEvent(sampleEvent(models.EventEscrowCreated, 1)))
	require.NoError(t, out.WriteEvent(sampleEvent(models.EventOwnershipTransferred, 1)))
	require.NoError(t, out.WriteEvent(sampleEvent(models.EventEscrowOpened, 1)))

	require.NoError(t, out.Flush())
	sent, failed := out.GetStats()
	assert.Equal(t, int64(2), sent)
	assert.Equal(t, int64(1), failed)

	assert.NoError(t, out.Close())
	assert.Error(t, out.WriteEvent(sampleEvent(models.EventEscrowOpened, 2)))
}

type failingOutput struct{ calls int }

func (f *failingOutput) WriteEvent(*models.LedgerEvent) error {
	f.calls++
	return errors.New("disk full")
}

func (f *failingOutput) Close() error { return nil }

func TestPublisher_LogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	out := &failingOutput{}
	m := metrics.New()

	p := NewPublisher(out, m, logger)
	p.Publish(sampleEvent(models.EventEscrowCreated, 1), nil, sampleEvent(models.EventEscrowOpened, 1))

	assert.Equal(t, 2, out.calls)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestPublisher_Nil(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.Publish(sampleEvent(models.EventEscrowCreated, 1))
		_ = p.Close()
	})
}
