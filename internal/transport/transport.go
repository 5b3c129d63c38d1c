// Package transport 定义信封的承载边界。
//
// 真实部署中承载层是 BLE GATT 通知；这里只保留它对编解码层可见的语义：
// 单帧上限（MTU）、发送队列满时的忙信号以及链路关闭。
package transport

import (
	"context"
)

// DefaultMTU 为单帧上限，与 BLE ATT 通知负载一致。
const DefaultMTU = 244

// Notifier 将一个完整信封交给承载层。
//
// 返回 merr.ErrTransportBusy 时调用方可以稍后重试；
// merr.ErrTransportTooLarge 与 merr.ErrTransportClosed 不可重试。
type Notifier interface {
	Notify(ctx context.Context, frame []byte) error
}

// Receiver 按到达顺序取出对端发来的帧。
type Receiver interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Handler 处理一帧入站数据，frame 归 Handler 所有。
type Handler func(frame []byte)

// NotifierFunc 让普通函数满足 Notifier。
type NotifierFunc func(ctx context.Context, frame []byte) error

func (f NotifierFunc) Notify(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}
