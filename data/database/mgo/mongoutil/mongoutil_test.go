package mongoutil

import (
	"context"
	"errors"
	"testing"

	"IMCore/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestValidateAndSetDefaults(t *testing.T) {
	c := &Config{}
	assert.True(t, errors.Is(c.ValidateAndSetDefaults(), errs.ErrInvalidArgument))

	c = &Config{Address: []string{"127.0.0.1:27017"}}
	assert.Error(t, c.ValidateAndSetDefaults())

	c = &Config{Address: []string{"h1:27017", "h2:27017"}, Database: "im", Username: "u", Password: "p"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://u:p@h1:27017,h2:27017/im?authSource=im&maxPoolSize=100", c.Uri)
	assert.Equal(t, defaultMaxRetry, c.MaxRetry)

	c = &Config{Address: []string{"h1:27017"}, Database: "im", AuthSource: "admin"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://h1:27017/im?authSource=admin&maxPoolSize=100", c.Uri)

	c = &Config{Address: []string{"h1:27017"}, Database: "im", Username: "u", Password: "p@ss"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://u:p%40ss@h1:27017/im?authSource=im&maxPoolSize=100", c.Uri)
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()
	assert.True(t, shouldRetry(ctx, errors.New("connection refused")))
	assert.False(t, shouldRetry(ctx, mongo.CommandError{Code: 18}))
	assert.True(t, shouldRetry(ctx, mongo.CommandError{Code: 91}))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, shouldRetry(cctx, errors.New("x")))
}
