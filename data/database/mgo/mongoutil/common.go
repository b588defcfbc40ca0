package mongoutil

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
)

// buildMongoURI 用户名密码做 URL 转义；authSource 为空时用库名
func buildMongoURI(c *Config) string {
	u := url.URL{Scheme: "mongodb", Host: strings.Join(c.Address, ","), Path: "/" + c.Database}
	if c.Username != "" && c.Password != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	src := c.AuthSource
	if src == "" {
		src = c.Database
	}
	q := url.Values{}
	q.Set("authSource", src)
	q.Set("maxPoolSize", fmt.Sprint(c.MaxPoolSize))
	u.RawQuery = q.Encode()
	return u.String()
}

// shouldRetry 13=Unauthorized 18=AuthenticationFailed 不重试
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}
