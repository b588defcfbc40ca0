package ids

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12

	MaxNodeID = 1<<nodeBits - 1 // 1023
	seqMask   = 1<<seqBits - 1  // 4095
	tsMask    = 1<<41 - 1
)

// Epoch 2020-01-01 UTC
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Node 雪花 ID 生成器：41bit 毫秒 | 10bit 节点 | 12bit 序号
type Node struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64
	seq      int64
	lastTSMS int64
	now      func() time.Time
}

func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, fmt.Errorf("node id %d out of range [0,%d]", nodeID, MaxNodeID)
	}
	return &Node{epochMS: Epoch.UnixMilli(), nodeID: nodeID, now: time.Now}, nil
}

var (
	defaultMu   sync.RWMutex
	defaultNode = &Node{epochMS: Epoch.UnixMilli(), nodeID: 1, now: time.Now}
)

// Generate 静态方法：生成一个新的雪花ID
func Generate() int64 {
	defaultMu.RLock()
	n := defaultNode
	defaultMu.RUnlock()
	return n.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 设置默认节点（0~1023），越界回落为 1；main() 初始化时调用
func SetNodeID(nodeID int64) {
	if nodeID < 0 || nodeID > MaxNodeID {
		nodeID = 1
	}
	n, _ := NewNode(nodeID)
	defaultMu.Lock()
	defaultNode = n
	defaultMu.Unlock()
}

// NodeID 当前默认节点
func NodeID() int64 {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultNode.nodeID
}

// Parse 拆出时间、节点、序号
func Parse(id int64) (ts time.Time, nodeID int64, seq int64) {
	ms := id >> (nodeBits + seqBits)
	ts = time.UnixMilli(ms + Epoch.UnixMilli())
	nodeID = (id >> seqBits) & MaxNodeID
	seq = id & seqMask
	return
}

// ---------------- 内部方法 ----------------

func (g *Node) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & seqMask
			if g.seq == 0 {
				// 序列溢出，等到下一毫秒
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - g.epochMS) & tsMask
		return (ts << (nodeBits + seqBits)) | (g.nodeID << seqBits) | g.seq
	}
}
