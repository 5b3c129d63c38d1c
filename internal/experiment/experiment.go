// Package experiment 把编解码器、计时账本与场景配置组织成一次可重复的测量。
package experiment

import (
	"context"
	"encoding/binary"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/internal/crypto"
	"github.com/lk2023060901/sensorlink-go/internal/envelope"
	"github.com/lk2023060901/sensorlink-go/internal/ledger"
	"github.com/lk2023060901/sensorlink-go/internal/scenario"
	"github.com/lk2023060901/sensorlink-go/internal/transport"
	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/metrics"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

const (
	RoleSensor  = "sensor"
	RoleGateway = "gateway"
)

type options struct {
	role         string
	maxPackets   uint32
	clock        ledger.Clock
	codecOptions []envelope.Option
}

type Option func(*options)

// WithRole 设置指标与日志里的角色标签，默认 sensor。
func WithRole(role string) Option {
	return func(o *options) {
		o.role = role
	}
}

// WithMaxPackets 设置每个场景发送的报文数。
func WithMaxPackets(n uint32) Option {
	return func(o *options) {
		o.maxPackets = n
	}
}

// WithClock 替换账本时钟。
func WithClock(c ledger.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithCodecOptions 透传给 envelope.NewCodec，账本记录器由 Experiment 自己注入。
func WithCodecOptions(opts ...envelope.Option) Option {
	return func(o *options) {
		o.codecOptions = append(o.codecOptions, opts...)
	}
}

// Experiment 持有一次测量的全部可变状态：账本、当前场景、序号计数器与读数窗口。
//
// Send 之间由 mu 串行化；Receive 只读 codec 与账本，可以与 Send 并发执行。
type Experiment struct {
	log.Binder

	role       string
	maxPackets uint32
	codec      *envelope.Codec
	ledger     *ledger.Ledger
	selector   *scenario.Selector

	mu      sync.Mutex
	counter uint32
	window  []byte
	sendBuf []byte

	replies atomic.Uint32
}

// New 创建一个尚未应用场景的实验上下文。
func New(backend crypto.Backend, sensorID string, opts ...Option) (*Experiment, error) {
	o := options{
		role:       RoleSensor,
		maxPackets: scenario.DefaultMaxPackets,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxPackets == 0 || o.maxPackets > ledger.MaxCapacity {
		return nil, merr.WrapErrAllocationFailure("max packets", int(o.maxPackets))
	}

	e := &Experiment{
		role:       o.role,
		maxPackets: o.maxPackets,
		selector:   scenario.NewSelector(o.maxPackets),
	}

	ledgerOpts := []ledger.Option{ledger.WithObserver(e.observe)}
	if o.clock != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithClock(o.clock))
	}
	l, err := ledger.New(int(o.maxPackets), ledgerOpts...)
	if err != nil {
		return nil, err
	}
	e.ledger = l

	codecOpts := append([]envelope.Option{envelope.WithRecorder(l)}, o.codecOptions...)
	c, err := envelope.NewCodec(backend, sensorID, codecOpts...)
	if err != nil {
		return nil, err
	}
	e.codec = c
	e.sendBuf = make([]byte, c.MaxPayload())
	return e, nil
}

// SetLogger 同时替换账本与编解码器的 Logger。
func (e *Experiment) SetLogger(logger *log.MLogger) {
	e.Binder.SetLogger(logger)
	e.ledger.SetLogger(logger)
	e.codec.SetLogger(logger)
}

func (e *Experiment) Codec() *envelope.Codec { return e.codec }

func (e *Experiment) Ledger() *ledger.Ledger { return e.ledger }

// Scenario 返回当前场景，尚未应用时 ok 为 false。
func (e *Experiment) Scenario() (scenario.Config, bool) {
	return e.selector.Current()
}

// ApplyScenario 切换到场景 id：重建账本、序号归零、按新负载重新分配读数窗口。
// 失败时原有场景与记录保持不变。
func (e *Experiment) ApplyScenario(id int) (scenario.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := scenario.Configure(id, e.maxPackets)
	if err != nil {
		return scenario.Config{}, err
	}
	if cfg.PayloadBytes() > e.codec.MaxPlaintext(uint16(cfg.MaxPackets-1)) {
		e.Logger().Warn("scenario payload does not fit the envelope budget",
			log.FieldScenario(id),
			log.FieldMode(e.codec.Mode()),
			zap.Int("payloadBytes", cfg.PayloadBytes()),
			zap.Int("maxPlaintext", e.codec.MaxPlaintext(uint16(cfg.MaxPackets-1))))
	}
	if err := e.ledger.Reset(int(cfg.MaxPackets)); err != nil {
		return scenario.Config{}, err
	}
	if _, err := e.selector.Configure(id); err != nil {
		return scenario.Config{}, err
	}

	e.counter = 0
	e.replies.Store(0)
	e.window = make([]byte, cfg.PayloadBytes())
	metrics.ScenarioCurrent.WithLabelValues(e.role).Set(float64(id))

	e.Logger().Info("scenario applied",
		log.FieldScenario(cfg.ID),
		zap.Uint32("maxPackets", cfg.MaxPackets),
		zap.Uint32("payloadMultiple", cfg.PayloadMultiple),
		zap.Duration("interval", cfg.Interval()))
	return cfg, nil
}

// NextScenario 顺序推进到下一个场景，已是最后一个时 ok 为 false。
func (e *Experiment) NextScenario() (scenario.Config, bool, error) {
	next := scenario.MinID
	if cur, ok := e.selector.Current(); ok {
		next = cur.ID + 1
	}
	if next > scenario.MaxID {
		return scenario.Config{}, false, nil
	}
	cfg, err := e.ApplyScenario(next)
	if err != nil {
		return scenario.Config{}, false, err
	}
	return cfg, true, nil
}

// PushReading 将窗口整体左移一个读数，把最新值写在末尾。
// 读数单位为百分之一摄氏度，小端序。
func (e *Experiment) PushReading(centiDegrees int16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.window)
	if n < scenario.BytesPerReading {
		return
	}
	copy(e.window, e.window[scenario.BytesPerReading:])
	binary.LittleEndian.PutUint16(e.window[n-scenario.BytesPerReading:], uint16(centiDegrees))
}

// Window 返回当前读数窗口的副本。
func (e *Experiment) Window() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.window))
	copy(out, e.window)
	return out
}

// Send 编码当前窗口并交给 n。
//
// 同一时刻写入 RTT 与发送处理的开始时间；通知成功后写入发送处理结束并递增序号。
// 失败时记录保持结束时间为 0，本次加密计时作废，序号不变，忙错误可以直接重试。
func (e *Experiment) Send(ctx context.Context, n transport.Notifier) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, ok := e.selector.Current()
	if !ok {
		return 0, merr.ErrScenarioNotApplied
	}
	if e.counter >= cfg.MaxPackets {
		return 0, merr.WrapErrScenarioComplete(cfg.ID, e.counter)
	}
	seq := uint16(e.counter)

	start := e.ledger.Now()
	e.ledger.MarkStartAt(ledger.TableRTT, seq, start)
	e.ledger.MarkStartAt(ledger.TableSendProcessing, seq, start)

	size, err := e.codec.EncodeTo(e.sendBuf, e.window, seq)
	if err != nil {
		return seq, err
	}
	if err := n.Notify(ctx, e.sendBuf[:size]); err != nil {
		// 重试会重新取 nonce 并加密，ENC 只记录真正发出的那一次。
		e.ledger.Discard(ledger.TableEncryption, seq)
		return seq, err
	}
	e.ledger.MarkEnd(ledger.TableSendProcessing, seq)
	e.counter++
	return seq, nil
}

// Receive 处理对端回送的信封，receivedAtUs 是写回调入口处取得的时间戳。
// 解码失败只丢弃这一条并记录限流日志，不影响后续报文。
// 序号不小于本场景已发送数的回包视为上一场景的迟到回包，不写账本。
func (e *Experiment) Receive(buf []byte, receivedAtUs uint64) (envelope.Message, error) {
	msg, err := e.codec.Decode(buf)
	if err != nil {
		e.Logger().RatedWarn(1, "drop inbound envelope",
			log.FieldSensor(e.codec.SensorID()),
			zap.Int("length", len(buf)),
			zap.Error(err))
		return envelope.Message{}, err
	}
	if sent := e.Sent(); uint32(msg.Seq) >= sent {
		e.Logger().RatedDebug(1, "drop reply for unsent sequence",
			log.FieldSensor(msg.SensorID),
			log.FieldSeq(msg.Seq),
			zap.Uint32("sent", sent))
		e.ledger.Discard(ledger.TableDecryption, msg.Seq)
		return envelope.Message{}, merr.WrapErrStaleReply(msg.Seq, sent)
	}

	end := e.ledger.Now()
	e.ledger.MarkStartAt(ledger.TableReceiveProcessing, msg.Seq, receivedAtUs)
	e.ledger.MarkEndAt(ledger.TableRTT, msg.Seq, end)
	e.ledger.MarkEndAt(ledger.TableReceiveProcessing, msg.Seq, end)
	return msg, nil
}

// Now 返回账本时钟读数，供接收方在写回调入口取时间戳。
func (e *Experiment) Now() uint64 {
	return e.ledger.Now()
}

// Sent 返回当前场景已成功发送的报文数。
func (e *Experiment) Sent() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// Replies 返回当前场景已闭合的往返次数。
func (e *Experiment) Replies() uint32 {
	return e.replies.Load()
}

// Done 在当前场景发满 MaxPackets 条后返回 true。
func (e *Experiment) Done() bool {
	cfg, ok := e.selector.Current()
	if !ok {
		return false
	}
	return e.Sent() >= cfg.MaxPackets
}

// Dump 返回账本快照。
func (e *Experiment) Dump() *ledger.Snapshot {
	return e.ledger.Snapshot()
}

func (e *Experiment) observe(table ledger.Table, entry ledger.Entry) {
	if table == ledger.TableRTT {
		e.replies.Inc()
	}
	e.Logger().Debug("phase completed",
		log.FieldTable(table),
		log.FieldSeq(entry.Seq),
		zap.Uint64("durationUs", entry.Duration()))
	metrics.PhaseDuration.WithLabelValues(e.role, table.String()).Observe(float64(entry.Duration()))
}
