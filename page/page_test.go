package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_InitAndAccessors(t *testing.T) {
	var p Page
	assert.True(t, p.IsNew())
	assert.ErrorIs(t, p.Validate(), ErrCorruptPage)

	p.Init(KindBytes)
	require.NoError(t, p.Validate(KindBytes))
	assert.False(t, p.IsNew())
	assert.Equal(t, InvalidBlockNumber, p.Next())
	assert.Equal(t, uint32(0), p.Xmax())
	assert.Len(t, p.Payload(), PayloadCapacity)

	p.SetNext(42)
	p.SetXmax(7)
	copy(p.Payload(), "hello")
	p.SetPayloadLen(5)

	assert.Equal(t, BlockNumber(42), p.Next())
	assert.Equal(t, uint32(7), p.Xmax())
	assert.Equal(t, "hello", string(p.Used()))

	assert.ErrorIs(t, p.Validate(KindFSM), ErrCorruptPage)
	assert.Panics(t, func() { p.SetPayloadLen(PayloadCapacity + 1) })
}

func TestPage_InitKeepsLSN(t *testing.T) {
	var p Page
	p.setLSN(99)
	p.Init(KindItems)
	assert.Equal(t, uint64(99), p.LSN())
}

func TestPage_Load(t *testing.T) {
	var src Page
	src.Init(KindMeta)
	copy(src.Payload(), "meta")

	var dst Page
	require.NoError(t, dst.Load(src.Bytes()))
	assert.Equal(t, src, dst)
	assert.ErrorIs(t, dst.Load([]byte("short")), ErrCorruptPage)
}
