package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	TokenID string `json:"tokenId"`
	Amount  int    `json:"amount"`
}

func TestNewMessage_RoundTrip(t *testing.T) {
	msg, err := NewMessage("burn-fee", payload{TokenID: "t1", Amount: 5}, "corr-1")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "burn-fee", msg.Topic)
	assert.Equal(t, "corr-1", msg.CorrelationID)

	var p payload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, payload{TokenID: "t1", Amount: 5}, p)
}

func TestDecode_BadPayloadIsPermanent(t *testing.T) {
	msg := Message{Topic: "collect-fee", Payload: []byte("{")}
	var p payload
	err := msg.Decode(&p)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("token not found")
	err := fmt.Errorf("load: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
