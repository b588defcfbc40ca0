// Package shard 会话 -> 物理分区（表/集合）映射，纯函数，无外部依赖。
//
// 分区号 = conversationId mod N。负数按欧几里得取模落在 [0,N)。
// 空的或非数字的会话 ID 会落到默认分区 0：这是刻意保留的兜底行为，
// 走到这里一定会打 warn 日志，方便排查上游 bug。
package shard

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"IMCore/logger"

	"go.uber.org/zap"
)

const (
	DefaultCount  = 32
	DefaultPrefix = "messages_"

	// FallbackIndex 非法会话 ID 落到的分区
	FallbackIndex = 0
)

// Router N 在部署时确定，改动需要迁移数据
type Router struct {
	n      int
	prefix string
	log    *zap.Logger
}

func NewRouter(n int, prefix string) *Router {
	if n <= 0 {
		n = DefaultCount
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Router{n: n, prefix: prefix, log: logger.Named("shard")}
}

// Default 32 分区，messages_00..messages_31
func Default() *Router { return NewRouter(DefaultCount, DefaultPrefix) }

func (r *Router) Count() int     { return r.n }
func (r *Router) Prefix() string { return r.prefix }

func (r *Router) ShardIndex(conversationID int64) int {
	m := conversationID % int64(r.n)
	if m < 0 {
		m += int64(r.n)
	}
	return int(m)
}

func (r *Router) TableFor(conversationID int64) string {
	return r.PartitionName(r.ShardIndex(conversationID))
}

// ShardIndexString 字符串形态的会话 ID（来自网关/事件 data），解析失败走兜底分区
func (r *Router) ShardIndexString(conversationID string) int {
	s := strings.TrimSpace(conversationID)
	if s == "" {
		r.log.Warn("empty conversation id, routing to fallback partition",
			zap.Int("partition", FallbackIndex))
		return FallbackIndex
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.log.Warn("non-numeric conversation id, routing to fallback partition",
			zap.String("conversationId", conversationID), zap.Int("partition", FallbackIndex))
		return FallbackIndex
	}
	return r.ShardIndex(id)
}

func (r *Router) TableForString(conversationID string) string {
	return r.PartitionName(r.ShardIndexString(conversationID))
}

// ShardIndexPtr nil 走兜底分区
func (r *Router) ShardIndexPtr(conversationID *int64) int {
	if conversationID == nil {
		r.log.Warn("nil conversation id, routing to fallback partition",
			zap.Int("partition", FallbackIndex))
		return FallbackIndex
	}
	return r.ShardIndex(*conversationID)
}

func (r *Router) PartitionName(index int) string {
	return fmt.Sprintf("%s%02d", r.prefix, index)
}

// AllPartitions 全部分区名，按序
func (r *Router) AllPartitions() []string {
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.PartitionName(i)
	}
	return out
}

// IsValidPartitionName 前缀匹配且后缀是 [0,N) 内的数字
func (r *Router) IsValidPartitionName(name string) bool {
	if !strings.HasPrefix(name, r.prefix) {
		return false
	}
	suffix := name[len(r.prefix):]
	if suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil {
		return false
	}
	if idx < 0 || idx >= r.n {
		return false
	}
	// 只认规范写法（两位补零）
	return name == r.PartitionName(idx)
}

// ListInvolvedPartitions 一批会话涉及的分区，去重升序，用于跨分区 scatter 查询
func (r *Router) ListInvolvedPartitions(conversationIDs []int64) []string {
	seen := make(map[int]struct{}, len(conversationIDs))
	idx := make([]int, 0, len(conversationIDs))
	for _, c := range conversationIDs {
		i := r.ShardIndex(c)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = r.PartitionName(i)
	}
	return out
}

// GroupByPartition 会话按分区分组，组内保持输入顺序
func (r *Router) GroupByPartition(conversationIDs []int64) map[string][]int64 {
	out := make(map[string][]int64)
	for _, c := range conversationIDs {
		p := r.TableFor(c)
		out[p] = append(out[p], c)
	}
	return out
}
