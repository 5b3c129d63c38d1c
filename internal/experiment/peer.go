package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/internal/envelope"
	"github.com/lk2023060901/sensorlink-go/internal/transport"
	"github.com/lk2023060901/sensorlink-go/pkg/log"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
	"github.com/lk2023060901/sensorlink-go/pkg/util/retry"
)

// Peer 是网关一侧：解开上行信封，用相同序号把明文重新封装后回送，
// 传感器据此闭合 RTT。
type Peer struct {
	log.Binder

	codec  *envelope.Codec
	mu     sync.Mutex
	replay []byte
}

// NewPeer 使用与传感器相同的编号、模式与密钥构造的编解码器创建网关。
func NewPeer(codec *envelope.Codec) *Peer {
	return &Peer{
		codec:  codec,
		replay: make([]byte, codec.MaxPayload()),
	}
}

func (p *Peer) Codec() *envelope.Codec { return p.codec }

// Handle 处理一帧上行数据并回送。解码失败返回对应的解码错误，不回送任何内容。
func (p *Peer) Handle(ctx context.Context, frame []byte, n transport.Notifier) (envelope.Message, error) {
	msg, err := p.codec.Decode(frame)
	if err != nil {
		return envelope.Message{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	size, err := p.codec.EncodeTo(p.replay, msg.Plaintext, msg.Seq)
	if err != nil {
		return msg, errors.Wrapf(err, "re-encode seq %d", msg.Seq)
	}
	err = retry.Do(ctx, func() error {
		return n.Notify(ctx, p.replay[:size])
	}, retry.Attempts(5), retry.Sleep(5*time.Millisecond), retry.RetryErr(merr.IsRetryableErr))
	return msg, err
}

// Serve 循环接收上行帧并回送，直到 ctx 结束或链路关闭。
// 单条报文的解码失败只记录日志；承载层的不可恢复错误会终止循环。
func (p *Peer) Serve(ctx context.Context, link interface {
	transport.Notifier
	transport.Receiver
},
) error {
	for {
		frame, err := link.Recv(ctx)
		if err != nil {
			if errors.Is(err, merr.ErrTransportClosed) || merr.IsCanceledOrTimeout(err) {
				return nil
			}
			return err
		}
		msg, err := p.Handle(ctx, frame, link)
		switch {
		case err == nil:
			p.Logger().Debug("echoed", log.FieldSeq(msg.Seq), zap.Int("length", len(frame)))
		case merr.GetErrorType(err) == merr.InputError:
			p.Logger().RatedWarn(1, "drop uplink envelope", zap.Int("length", len(frame)), zap.Error(err))
		case errors.Is(err, merr.ErrTransportClosed) || merr.IsCanceledOrTimeout(err):
			return nil
		default:
			p.Logger().Warn("reply failed", log.FieldSeq(msg.Seq), zap.Error(err))
		}
	}
}
