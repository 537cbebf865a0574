package logger

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// Broadcaster is a log sink that fans encoded entries out to live subscribers,
// such as the /logs websocket viewer. Subscribers that fall behind lose entries;
// the logger itself never blocks on them.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan string // GUARDED_BY(mu)
	nextID  uint64                 // GUARDED_BY(mu)
	dropped atomic.Uint64
}

// NewBroadcaster returns a Broadcaster without subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[uint64]chan string),
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 1
	}

	ch := make(chan string, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many entries were discarded because a subscriber was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish delivers line to every subscriber without blocking.
func (b *Broadcaster) Publish(line string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) core(encCfg zapcore.EncoderConfig, enabler zapcore.LevelEnabler) zapcore.Core {
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return &broadcastCore{
		LevelEnabler: enabler,
		enc:          zapcore.NewJSONEncoder(encCfg),
		b:            b,
	}
}

type broadcastCore struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	b   *Broadcaster
}

var _ zapcore.Core = (*broadcastCore)(nil)

func (c *broadcastCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone)
	}
	return &broadcastCore{LevelEnabler: c.LevelEnabler, enc: clone, b: c.b}
}

func (c *broadcastCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *broadcastCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if c.b.Subscribers() == 0 {
		return nil
	}

	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	c.b.Publish(line)
	return nil
}

func (c *broadcastCore) Sync() error {
	return nil
}
