// Package tracking 生成追踪令牌并把像素请求关联回发送记录。
package tracking

import (
	"math/rand"
	"strconv"
	"sync"
	"time"
)

const (
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	randomSuffix   = 8
)

// Generator 生成形如 "<毫秒时间戳>-<8位base36随机串>" 的追踪ID。
// 可以被多个 goroutine 并发使用。
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	rand *rand.Rand
}

// NewGenerator 创建使用系统时钟的生成器
func NewGenerator() *Generator {
	return NewGeneratorWith(time.Now, rand.NewSource(time.Now().UnixNano()))
}

// NewGeneratorWith 创建使用指定时钟与随机源的生成器，用于测试
func NewGeneratorWith(now func() time.Time, src rand.Source) *Generator {
	return &Generator{now: now, rand: rand.New(src)}
}

// NewID 生成一个新的追踪ID
func (g *Generator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := make([]byte, 0, 20+randomSuffix)
	buf = strconv.AppendInt(buf, g.now().UnixMilli(), 10)
	buf = append(buf, '-')
	for i := 0; i < randomSuffix; i++ {
		buf = append(buf, base36Alphabet[g.rand.Intn(len(base36Alphabet))])
	}
	return string(buf)
}
