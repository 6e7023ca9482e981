package kafka

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding/internal/platform/config"
	"onboarding/internal/platform/queue"
)

func TestRecordHeadersRoundTrip(t *testing.T) {
	msg := queue.Message{
		ID:            "m-1",
		CorrelationID: "c-1",
		ReplyTo:       "alias-replies-acq",
		Body:          []byte(`{"command":"bulkGenerateAlias","data":{}}`),
	}

	rec := toRecord("alias-commands", msg)
	assert.Equal(t, "alias-commands", rec.Topic)
	assert.Equal(t, []byte("c-1"), rec.Key)
	assert.Len(t, rec.Headers, 3)

	assert.Equal(t, msg, fromRecord(rec))
}

func TestEmptyHeadersAreOmitted(t *testing.T) {
	rec := toRecord("alias-replies-acq", queue.Message{CorrelationID: "c-1", Body: []byte(`{}`)})
	assert.Len(t, rec.Headers, 1)
	assert.Equal(t, HeaderCorrelationID, rec.Headers[0].Key)
}

func TestOpenWithoutBrokersIsInProcess(t *testing.T) {
	b, err := Open(context.Background(), config.Queue{}, slog.New(slog.NewTextHandler(io.Discard, nil)), "alias-commands")
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &queue.MemoryBroker{}, b)
}
