package ids

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator produces snowflake ids: 41 bits of milliseconds since 2020-01-01,
// 10 bits of node id, 12 bits of sequence.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	now      func() time.Time
}

func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Generator{nodeID: nodeID, now: time.Now}
}

var defaultGen atomic.Pointer[Generator]

func init() {
	defaultGen.Store(NewGenerator(1))
}

// SetNodeID rebinds the process-wide generator to node. Call it at startup,
// before ids are handed out.
func SetNodeID(node int64) {
	defaultGen.Store(NewGenerator(node))
}

// Generate returns a new id from the process-wide generator.
func Generate() int64 {
	return defaultGen.Load().Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// NodeFromString maps an arbitrary node name (e.g. "gateway-3") onto the 10-bit node space.
func NodeFromString(name string) int64 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return int64(h % 1024)
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			// clock moved backwards, wait it out
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epoch) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}
