package safe

import (
	"errors"
	"testing"
	"time"

	"IMCore/tools/errs"

	"github.com/stretchr/testify/assert"
)

func TestCallRecoversPanic(t *testing.T) {
	err := Call(func() error { panic("boom") })
	assert.True(t, errors.Is(err, errs.ErrInternal))

	want := errors.New("plain")
	assert.Equal(t, want, Call(func() error { return want }))
}

func TestGoReportsPanic(t *testing.T) {
	got := make(chan any, 1)
	Go(func() { panic("async boom") }, func(r any) { got <- r })

	select {
	case r := <-got:
		assert.Equal(t, "async boom", r)
	case <-time.After(time.Second):
		t.Fatal("panic callback not invoked")
	}
}

func TestMustNotNil(t *testing.T) {
	var p *int
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(nil, "nil") })
	assert.NotPanics(t, func() { MustNotNil(42, "v") })
}
