package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completed struct {
	Source string `json:"source"`
	Rows   int    `json:"rows"`
}

func TestEncodeDecode_Event(t *testing.T) {
	msg, err := encode(Event{Key: "aes", Value: completed{Source: "aes", Rows: 12}})
	require.NoError(t, err)
	assert.Equal(t, "aes", string(msg.Key))
	assert.JSONEq(t, `{"source":"aes","rows":12}`, string(msg.Value))

	got, err := DecodeJSON[completed](msg.Value)
	require.NoError(t, err)
	assert.Equal(t, completed{Source: "aes", Rows: 12}, got)
}

func TestEncode_RejectsUnmarshalable(t *testing.T) {
	_, err := encode(Event{Key: "x", Value: make(chan int)})
	assert.ErrorContains(t, err, "marshaling event value")
}

func TestDecodeJSON_Invalid(t *testing.T) {
	_, err := DecodeJSON[completed]([]byte("{"))
	assert.ErrorContains(t, err, "decoding kafka message")
}
