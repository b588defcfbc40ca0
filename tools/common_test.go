package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("IMCORE_T_STR", "x")
	t.Setenv("IMCORE_T_INT", "12")
	t.Setenv("IMCORE_T_BADINT", "twelve")
	t.Setenv("IMCORE_T_BOOL", "Yes")
	t.Setenv("IMCORE_T_DUR", "1500ms")
	t.Setenv("IMCORE_T_LIST", " a, ,b ,c")

	assert.Equal(t, "x", GetEnv("IMCORE_T_STR", "d"))
	assert.Equal(t, "d", GetEnv("IMCORE_T_UNSET", "d"))
	assert.Equal(t, 12, GetEnvInt("IMCORE_T_INT", 1))
	assert.Equal(t, 1, GetEnvInt("IMCORE_T_BADINT", 1))
	assert.True(t, GetEnvBool("IMCORE_T_BOOL", false))
	assert.True(t, GetEnvBool("IMCORE_T_UNSET", true))
	assert.Equal(t, 1500*time.Millisecond, GetEnvDuration("IMCORE_T_DUR", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, GetEnvList("IMCORE_T_LIST", nil))
	assert.Equal(t, []string{"z"}, GetEnvList("IMCORE_T_UNSET", []string{"z"}))
}
