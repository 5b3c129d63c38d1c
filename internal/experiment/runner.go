package experiment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/sensorlink-go/internal/ledger"
	"github.com/lk2023060901/sensorlink-go/internal/scenario"
	"github.com/lk2023060901/sensorlink-go/internal/transport"
	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
	"github.com/lk2023060901/sensorlink-go/pkg/util/retry"
)

// Sampler 提供一次温度读数，单位为百分之一摄氏度。
type Sampler interface {
	Sample(ctx context.Context) (int16, error)
}

type SamplerFunc func(ctx context.Context) (int16, error)

func (f SamplerFunc) Sample(ctx context.Context) (int16, error) {
	return f(ctx)
}

// ConstantSampler 每次返回同一个读数。
type ConstantSampler int16

func (s ConstantSampler) Sample(context.Context) (int16, error) {
	return int16(s), nil
}

// DumpSink 接收一个场景结束时的账本快照。
type DumpSink interface {
	Store(ctx context.Context, cfg scenario.Config, snap *ledger.Snapshot) error
}

type DumpSinkFunc func(ctx context.Context, cfg scenario.Config, snap *ledger.Snapshot) error

func (f DumpSinkFunc) Store(ctx context.Context, cfg scenario.Config, snap *ledger.Snapshot) error {
	return f(ctx, cfg, snap)
}

// Link 是 Runner 需要的双向承载层。
type Link interface {
	transport.Notifier
	transport.Receiver
}

type runnerOptions struct {
	sampler       Sampler
	sink          DumpSink
	sequential    bool
	interval      time.Duration
	tailTimeout   time.Duration
	retryAttempts uint
	retrySleep    time.Duration
}

type RunnerOption func(*runnerOptions)

func WithSampler(s Sampler) RunnerOption {
	return func(o *runnerOptions) {
		o.sampler = s
	}
}

func WithDumpSink(s DumpSink) RunnerOption {
	return func(o *runnerOptions) {
		o.sink = s
	}
}

// WithSequential 让 Runner 在一个场景结束后自动推进到下一个，直到场景 12。
func WithSequential(on bool) RunnerOption {
	return func(o *runnerOptions) {
		o.sequential = on
	}
}

// WithInterval 覆盖场景自带的发送间隔，0 表示沿用场景配置。
func WithInterval(d time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		o.interval = d
	}
}

// WithTailTimeout 设置发满之后等待剩余回包的时长。
func WithTailTimeout(d time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		o.tailTimeout = d
	}
}

// WithSendRetry 设置链路忙时的重试次数与首次等待时间。
func WithSendRetry(attempts uint, sleep time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		o.retryAttempts = attempts
		o.retrySleep = sleep
	}
}

// Runner 按场景间隔驱动 Experiment：采样、发送、收集回包，场景结束时导出账本。
type Runner struct {
	log.Binder

	exp  *Experiment
	link Link
	opts runnerOptions
}

func NewRunner(exp *Experiment, link Link, opts ...RunnerOption) *Runner {
	o := runnerOptions{
		sampler:       ConstantSampler(2150),
		tailTimeout:   2 * time.Second,
		retryAttempts: 5,
		retrySleep:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{
		exp:  exp,
		link: link,
		opts: o,
	}
}

// Run 从场景 first 开始运行，ctx 结束、链路关闭或全部场景完成后返回。
func (r *Runner) Run(ctx context.Context, first int) error {
	ctx, span := log.WithIntent(ctx, r.exp.role, "experiment")
	defer span.End()

	recvCtx, stopRecv := context.WithCancel(ctx)
	defer stopRecv()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopRecv()
		return r.sendLoop(gctx, first)
	})
	g.Go(func() error {
		return r.receiveLoop(recvCtx)
	})

	err := g.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) sendLoop(ctx context.Context, first int) error {
	cfg, err := r.exp.ApplyScenario(first)
	if err != nil {
		return err
	}
	for {
		if err := r.runScenario(ctx, cfg); err != nil {
			return err
		}
		if !r.opts.sequential {
			return nil
		}
		next, ok, err := r.exp.NextScenario()
		if err != nil {
			return err
		}
		if !ok {
			log.Ctx(ctx).Info("all scenarios finished")
			return nil
		}
		cfg = next
	}
}

func (r *Runner) runScenario(ctx context.Context, cfg scenario.Config) error {
	ctx = log.WithScenario(ctx, cfg.ID)
	logger := log.Ctx(ctx)
	span := trace.SpanFromContext(ctx)
	span.AddEvent("scenario started", trace.WithAttributes(scenarioAttributes(cfg)...))
	defer span.AddEvent("scenario finished", trace.WithAttributes(attribute.Int("scenario", cfg.ID)))

	interval := r.opts.interval
	if interval <= 0 {
		interval = cfg.Interval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !r.exp.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := r.tick(ctx); err != nil {
			return err
		}
	}

	r.waitTail(ctx, cfg)
	snap := r.exp.Dump()
	stats := r.exp.Codec().Stats().Snapshot()
	logger.Info("scenario finished",
		zap.Uint32("sent", r.exp.Sent()),
		zap.Uint32("replies", r.exp.Replies()),
		zap.Int("rttCompleted", len(snap.Completed(ledger.TableRTT))),
		zap.Uint64("rejected", stats.Rejected()))

	if r.opts.sink == nil {
		return nil
	}
	if err := r.opts.sink.Store(ctx, cfg, snap); err != nil {
		return errors.Wrapf(err, "store ledger of scenario %d", cfg.ID)
	}
	return nil
}

func (r *Runner) tick(ctx context.Context) error {
	logger := log.Ctx(ctx)

	v, err := r.opts.sampler.Sample(ctx)
	if err != nil {
		logger.Warn("sample failed, resending previous window", zap.Error(err))
	} else {
		r.exp.PushReading(v)
	}

	var seq uint16
	err = retry.Do(ctx, func() error {
		var err error
		seq, err = r.exp.Send(ctx, r.link)
		return err
	}, retry.Attempts(r.opts.retryAttempts), retry.Sleep(r.opts.retrySleep), retry.RetryErr(merr.IsRetryableErr))
	switch {
	case err == nil:
		return nil
	case merr.IsRetryableErr(err):
		// 序号没有前进，下一个周期重发同一序号。
		logger.Warn("link stayed busy, skip this tick", log.FieldSeq(seq), zap.Error(err))
		return nil
	default:
		return err
	}
}

// waitTail 在发满之后等待回包追上，超时后放弃，未闭合的记录保持结束时间为 0。
func (r *Runner) waitTail(ctx context.Context, cfg scenario.Config) {
	if r.exp.Replies() >= r.exp.Sent() {
		return
	}
	deadline := time.NewTimer(r.opts.tailTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()

	for r.exp.Replies() < r.exp.Sent() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Ctx(ctx).Warn("replies missing at scenario end",
				zap.Uint32("sent", r.exp.Sent()),
				zap.Uint32("replies", r.exp.Replies()),
				zap.Uint32("maxPackets", cfg.MaxPackets))
			return
		case <-poll.C:
		}
	}
}

func (r *Runner) receiveLoop(ctx context.Context) error {
	for {
		frame, err := r.link.Recv(ctx)
		if err != nil {
			if errors.Is(err, merr.ErrTransportClosed) || merr.IsCanceledOrTimeout(err) {
				return nil
			}
			return err
		}
		// 解码失败已在 Receive 内记录，单条报文的错误不终止循环。
		_, _ = r.exp.Receive(frame, r.exp.Now())
	}
}

// scenarioAttributes 为 span 事件附带场景参数。
func scenarioAttributes(cfg scenario.Config) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("scenario", cfg.ID),
		attribute.Int64("max_packets", int64(cfg.MaxPackets)),
		attribute.Int64("payload_multiple", int64(cfg.PayloadMultiple)),
		attribute.Int64("interval_ms", int64(cfg.TransmissionIntervalMs)),
	}
}
