// Package storage 跨实例共享的 KV（连接登记 / 用户在线集合）
package storage

import (
	"context"
	"strconv"
	"time"
)

// SharedStore 跨实例可见的登记表；所有实现都需并发安全
type SharedStore interface {
	// Put 覆盖写 hash 并设置 TTL；ttl<=0 不过期
	Put(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// Get 不存在 / 已过期返回 (nil, nil)
	Get(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	AddToSet(ctx context.Context, key string, members ...string) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	Members(ctx context.Context, key string) ([]string, error)
}

// ===== key 布局 =====

const (
	ConnKeyPrefix = "comm:conn:"
	UserKeyPrefix = "comm:user:"

	DefaultConnTTL = 300 * time.Second
)

// ConnKey hash：userId / deviceId / instance / connectedAt / lastHeartbeat
func ConnKey(connectionID string) string { return ConnKeyPrefix + connectionID }

// UserKey set：该用户所有 connectionId（跨实例）
func UserKey(userID int64) string { return UserKeyPrefix + strconv.FormatInt(userID, 10) }

// hash 字段名
const (
	FieldUserID        = "userId"
	FieldDeviceID      = "deviceId"
	FieldInstance      = "instance"
	FieldConnectedAt   = "connectedAt"
	FieldLastHeartbeat = "lastHeartbeat"
	FieldClientInfo    = "clientInfo"
)
