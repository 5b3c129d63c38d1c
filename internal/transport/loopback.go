package transport

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/metrics"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

const (
	// DirectionUplink 为传感器到网关方向。
	DirectionUplink = "uplink"
	// DirectionDownlink 为网关到传感器方向。
	DirectionDownlink = "downlink"

	defaultQueueSize = 16
)

type options struct {
	mtu       int
	queueSize int
}

type Option func(*options)

// WithMTU 设置单帧上限。
func WithMTU(mtu int) Option {
	return func(o *options) {
		o.mtu = mtu
	}
}

// WithQueueSize 设置每个方向上未被取走的帧数上限，超过后 Notify 返回忙。
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.queueSize = n
	}
}

// link 为两个端点共享的关闭状态。
type link struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

// Endpoint 是内存回环链路的一端，同时实现 Notifier 与 Receiver。
type Endpoint struct {
	log.Binder

	direction string
	mtu       int
	inbox     chan []byte
	peer      *Endpoint
	link      *link
}

var (
	_ Notifier = (*Endpoint)(nil)
	_ Receiver = (*Endpoint)(nil)
)

// NewLoopback 创建一对相连的端点：sensor 的 Notify 投递到 gateway 的 Recv，反之亦然。
func NewLoopback(opts ...Option) (sensor, gateway *Endpoint, err error) {
	o := options{
		mtu:       DefaultMTU,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mtu <= 0 {
		return nil, nil, merr.WrapErrParameterInvalidRange(1, 0xFFFF, o.mtu, "transport mtu")
	}
	if o.queueSize <= 0 {
		return nil, nil, merr.WrapErrParameterInvalidRange(1, 1<<16, o.queueSize, "transport queue size")
	}

	l := &link{done: make(chan struct{})}
	sensor = &Endpoint{
		direction: DirectionUplink,
		mtu:       o.mtu,
		inbox:     make(chan []byte, o.queueSize),
		link:      l,
	}
	gateway = &Endpoint{
		direction: DirectionDownlink,
		mtu:       o.mtu,
		inbox:     make(chan []byte, o.queueSize),
		link:      l,
	}
	sensor.peer, gateway.peer = gateway, sensor
	return sensor, gateway, nil
}

// MTU 返回单帧上限。
func (e *Endpoint) MTU() int {
	return e.mtu
}

// Notify 复制 frame 并投递到对端，不会阻塞。
func (e *Endpoint) Notify(ctx context.Context, frame []byte) error {
	if len(frame) > e.mtu {
		return merr.WrapErrTransportTooLarge(len(frame), e.mtu)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.link.done:
		return merr.ErrTransportClosed
	default:
	}

	select {
	case e.peer.inbox <- bytes.Clone(frame):
		return nil
	default:
		metrics.TransportBusyTotal.WithLabelValues(e.direction).Inc()
		e.Logger().RatedDebug(1, "link busy",
			zap.String("direction", e.direction),
			zap.Int("queued", len(e.peer.inbox)))
		return merr.WrapErrTransportBusy(len(e.peer.inbox))
	}
}

// Recv 阻塞直到收到一帧、ctx 结束或链路关闭。关闭前已入队的帧仍会被取出。
func (e *Endpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-e.inbox:
		return frame, nil
	default:
	}

	select {
	case frame := <-e.inbox:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.link.done:
		select {
		case frame := <-e.inbox:
			return frame, nil
		default:
			return nil, merr.ErrTransportClosed
		}
	}
}

// Serve 循环接收并交给 h，直到 ctx 结束或链路关闭。链路关闭视为正常退出。
func (e *Endpoint) Serve(ctx context.Context, h Handler) error {
	for {
		frame, err := e.Recv(ctx)
		if err != nil {
			if errors.Is(err, merr.ErrTransportClosed) {
				return nil
			}
			return err
		}
		h(frame)
	}
}

// Close 关闭整条链路，两端随后的 Notify 都返回 merr.ErrTransportClosed。
func (e *Endpoint) Close() error {
	e.link.close()
	return nil
}
