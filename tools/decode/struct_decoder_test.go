package decode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	MessageID      int64          `json:"messageId"`
	ConversationID int64          `json:"conversationId"`
	Mentions       []string       `json:"mentions"`
	Seqs           []int64        `json:"seqs"`
	Extra          map[string]any `json:"extra"`
}

func TestMapFromJSONShapedInput(t *testing.T) {
	in := map[string]any{
		"messageId":      float64(12),
		"conversationId": "101",
		"mentions":       []any{"u1", float64(2)},
		"seqs":           []any{float64(1), float64(2)},
		"extra":          `{"k":"v"}`,
	}
	out, err := Map[payload](in)
	require.NoError(t, err)
	assert.Equal(t, int64(12), out.MessageID)
	assert.Equal(t, int64(101), out.ConversationID)
	assert.Equal(t, []string{"u1", "2"}, out.Mentions)
	assert.Equal(t, []int64{1, 2}, out.Seqs)
	assert.Equal(t, "v", out.Extra["k"])
}

func TestMapPassThrough(t *testing.T) {
	p := payload{MessageID: 3}
	out, err := Map[payload](p)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.MessageID)

	out, err = Map[payload](&p)
	require.NoError(t, err)
	assert.Same(t, &p, out)

	_, err = Map[payload](nil)
	assert.Error(t, err)
}

func TestIntoMapstructureTagAndDuration(t *testing.T) {
	type conf struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Size    int           `mapstructure:"size"`
	}
	var c conf
	require.NoError(t, Into(map[string]any{"timeout": "1500ms", "size": "8"}, &c, WithTag("mapstructure")))
	assert.Equal(t, 1500*time.Millisecond, c.Timeout)
	assert.Equal(t, 8, c.Size)
}

func TestReadHelpers(t *testing.T) {
	m := map[string]any{"a": "x", "n": float64(5), "s": "9", "bad": true}

	s, err := ReadString(m, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", s)
	_, err = ReadString(m, "n")
	assert.Error(t, err)

	n, err := ReadInt64(m, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	n, err = ReadInt64(m, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	_, err = ReadInt64(m, "bad")
	assert.Error(t, err)
	_, err = ReadInt64(m, "missing")
	assert.Error(t, err)
}

func TestMapTimeFromRFC3339(t *testing.T) {
	type ev struct {
		At       time.Time  `json:"at"`
		PinnedAt *time.Time `json:"pinnedAt"`
	}
	out, err := Map[ev](map[string]any{"at": "2024-05-01T10:00:00.5Z", "pinnedAt": "2024-05-01T10:00:01Z"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 5e8, time.UTC), out.At.UTC())
	require.NotNil(t, out.PinnedAt)
	assert.Equal(t, 1, out.PinnedAt.Second())
}
