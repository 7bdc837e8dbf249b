package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_EmptyPayload(t *testing.T) {
	frame, err := EncodeFrame(0x05, nil)
	require.NoError(t, err)
	assert.Len(t, frame, MinFrameSize)

	d := NewDecoder()
	d.Feed(frame)

	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(0x05), got.Type)
	assert.Empty(t, got.Payload)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_NeedMore(t *testing.T) {
	frame, err := EncodeFrame(0x05, []byte{1, 2, 3})
	require.NoError(t, err)

	d := NewDecoder()
	d.Feed(frame[:len(frame)-1])

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMore)

	d.Feed(frame[len(frame)-1:])
	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
}

func TestDecoder_InvalidSizePoisons(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0x01, 0x00, 0xFF}) // size == 1, below MinFrameSize

	_, err := d.Next()
	assert.ErrorIs(t, err, ErrPoisoned)

	// The stream stays poisoned even if more bytes arrive.
	d.Feed([]byte{0x00, 0x00})
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrPoisoned)
}

func TestDecoder_MultipleFramesInOneFeed(t *testing.T) {
	a, _ := EncodeFrame(1, []byte("a"))
	b, _ := EncodeFrame(2, []byte("bb"))

	d := NewDecoder()
	d.Feed(append(append([]byte{}, a...), b...))

	f1, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(1), f1.Type)

	f2, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(2), f2.Type)
	assert.Equal(t, []byte("bb"), f2.Payload)

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMore)
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	_, err := EncodeFrame(1, make([]byte, MaxFrameSize))
	assert.Error(t, err)
}
