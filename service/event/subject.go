package event

import "strings"

// ===== 主题 =====

const (
	TopicMessageSent     = "communication.message.sent"
	TopicMessageRecalled = "communication.message.recalled"
	TopicMessageEdited   = "communication.message.edited"
	TopicMessageDeleted  = "communication.message.deleted"
	TopicMessagePinned   = "communication.message.pinned"
	TopicMessageUnpinned = "communication.message.unpinned"

	TopicConnEstablished = "communication.connection.established"
	TopicConnClosed      = "communication.connection.closed"
	TopicConnTimeout     = "communication.connection.timeout"
	TopicConnHeartbeat   = "communication.connection.heartbeat"

	TopicMessageAll = "communication.message.*"
	TopicConnAll    = "communication.connection.*"
)

// Wildcard 只允许出现在末尾："a.b.*" 匹配 "a.b." 开头的任意主题（可多级）
const Wildcard = "*"

// ValidSubject 具体主题：非空，按 "." 切分后每段非空且不含 "*"
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || strings.ContainsAny(tok, "* \t\r\n") {
			return false
		}
	}
	return true
}

// ValidPattern 具体主题，或 "<具体主题>.*"
func ValidPattern(p string) bool {
	if prefix, ok := WildcardPrefix(p); ok {
		return ValidSubject(prefix)
	}
	return ValidSubject(p)
}

// WildcardPrefix "a.b.*" => ("a.b", true)
func WildcardPrefix(p string) (string, bool) {
	if !strings.HasSuffix(p, "."+Wildcard) {
		return "", false
	}
	return strings.TrimSuffix(p, "."+Wildcard), true
}

// Match 模式是否命中主题；"a.*" 不匹配 "a" 本身，也不匹配 "ab.c"
func Match(pattern, subject string) bool {
	if prefix, ok := WildcardPrefix(pattern); ok {
		return strings.HasPrefix(subject, prefix+".") && len(subject) > len(prefix)+1
	}
	return pattern == subject
}
