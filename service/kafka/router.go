package kafka

import (
	"sort"
	"sync"

	"IMCore/service/event"
)

// router 订阅模式 -> 回调；一个主题可命中多个模式
type router struct {
	mu     sync.RWMutex
	routes []route
}

type route struct {
	pattern string
	h       event.Handler
}

func newRouter() *router { return &router{} }

func (r *router) add(pattern string, h event.Handler) {
	r.mu.Lock()
	r.routes = append(r.routes, route{pattern: pattern, h: h})
	r.mu.Unlock()
}

func (r *router) handlers(topic string) []event.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []event.Handler
	for _, rt := range r.routes {
		if event.Match(rt.pattern, topic) {
			out = append(out, rt.h)
		}
	}
	return out
}

func (r *router) hasWildcard() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if _, ok := event.WildcardPrefix(rt.pattern); ok {
			return true
		}
	}
	return false
}

// resolve 精确模式原样保留；通配模式按前缀在 known 中展开。结果去重排序
func (r *router) resolve(known []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for _, rt := range r.routes {
		if _, ok := event.WildcardPrefix(rt.pattern); !ok {
			set[rt.pattern] = struct{}{}
			continue
		}
		for _, t := range known {
			if event.Match(rt.pattern, t) {
				set[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
