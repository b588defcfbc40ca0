package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIsByCode(t *testing.T) {
	err := ErrNotFound.WrapMsg("message", "conversationId", 101, "id", 7)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrNotEditable))
	assert.Contains(t, err.Error(), "conversationId=101")
	assert.Contains(t, err.Error(), "id=7")
	assert.Equal(t, NotFoundCode, CodeOf(err))
}

func TestAlreadyRecalledIsNotEditable(t *testing.T) {
	err := ErrAlreadyRecalled.Wrap()

	assert.True(t, errors.Is(err, ErrAlreadyRecalled))
	assert.True(t, errors.Is(err, ErrNotEditable))
	// 反向不成立
	assert.False(t, errors.Is(ErrNotEditable.Wrap(), ErrAlreadyRecalled))
}

func TestWrapKeepsChain(t *testing.T) {
	base := ErrTransient.WithDetail("redis down")
	err := WrapMsg(fmt.Errorf("put: %w", base), "shared registry", "key", "comm:conn:1")

	assert.True(t, errors.Is(err, ErrTransient))
	assert.Contains(t, err.Error(), "redis down")
	assert.Nil(t, Wrap(nil))
	assert.Nil(t, WrapMsg(nil, "x"))
}

func TestErrPanic(t *testing.T) {
	assert.Nil(t, ErrPanic(nil))
	err := ErrPanic("boom")
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "boom")
}

func TestCodeRelationAddValidation(t *testing.T) {
	r := newCodeRelation()
	assert.Error(t, r.Add(1))
	require.NoError(t, r.Add(1, 2, 3))
	assert.True(t, r.Is(1, 3))
	assert.True(t, r.Is(2, 3))
	assert.False(t, r.Is(3, 1))
}
