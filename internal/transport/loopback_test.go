package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/sensorlink-go/pkg/metrics"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

func TestLoopbackDelivery(t *testing.T) {
	sensor, gateway, err := NewLoopback()
	require.NoError(t, err)
	defer sensor.Close()

	ctx := context.Background()
	frame := []byte("hello")
	require.NoError(t, sensor.Notify(ctx, frame))
	frame[0] = 'X'

	got, err := gateway.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got, "notify must copy the frame")

	require.NoError(t, gateway.Notify(ctx, []byte("reply")))
	got, err = sensor.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), got)
	assert.Equal(t, DefaultMTU, sensor.MTU())
}

func TestLoopbackTooLarge(t *testing.T) {
	sensor, _, err := NewLoopback(WithMTU(8))
	require.NoError(t, err)

	err = sensor.Notify(context.Background(), make([]byte, 9))
	assert.ErrorIs(t, err, merr.ErrTransportTooLarge)
	assert.False(t, merr.IsRetryableErr(err))
	assert.NoError(t, sensor.Notify(context.Background(), make([]byte, 8)))
}

func TestLoopbackBusy(t *testing.T) {
	sensor, gateway, err := NewLoopback(WithQueueSize(2))
	require.NoError(t, err)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.TransportBusyTotal.WithLabelValues(DirectionUplink))
	require.NoError(t, sensor.Notify(ctx, []byte{1}))
	require.NoError(t, sensor.Notify(ctx, []byte{2}))
	err = sensor.Notify(ctx, []byte{3})
	assert.ErrorIs(t, err, merr.ErrTransportBusy)
	assert.True(t, merr.IsRetryableErr(err))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TransportBusyTotal.WithLabelValues(DirectionUplink)))

	got, err := gateway.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)
	assert.NoError(t, sensor.Notify(ctx, []byte{3}))
}

func TestLoopbackClose(t *testing.T) {
	sensor, gateway, err := NewLoopback()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, sensor.Notify(ctx, []byte{1}))
	require.NoError(t, gateway.Close())
	require.NoError(t, sensor.Close())

	assert.ErrorIs(t, sensor.Notify(ctx, []byte{2}), merr.ErrTransportClosed)
	assert.ErrorIs(t, gateway.Notify(ctx, []byte{2}), merr.ErrTransportClosed)

	got, err := gateway.Recv(ctx)
	require.NoError(t, err, "queued frames survive close")
	assert.Equal(t, []byte{1}, got)
	_, err = gateway.Recv(ctx)
	assert.ErrorIs(t, err, merr.ErrTransportClosed)
}

func TestLoopbackContext(t *testing.T) {
	sensor, gateway, err := NewLoopback()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gateway.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	canceled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.ErrorIs(t, sensor.Notify(canceled, []byte{1}), context.Canceled)
}

func TestLoopbackServe(t *testing.T) {
	sensor, gateway, err := NewLoopback()
	require.NoError(t, err)
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got [][]byte
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, gateway.Serve(ctx, func(frame []byte) {
			mu.Lock()
			got = append(got, frame)
			mu.Unlock()
		}))
	}()

	for i := byte(0); i < 5; i++ {
		require.NoError(t, sensor.Notify(ctx, []byte{i}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, time.Millisecond)

	require.NoError(t, sensor.Close())
	wg.Wait()
	for i, f := range got {
		assert.Equal(t, []byte{byte(i)}, f)
	}
}

func TestLoopbackOptions(t *testing.T) {
	_, _, err := NewLoopback(WithMTU(0))
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	_, _, err = NewLoopback(WithQueueSize(0))
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}

func TestNotifierFunc(t *testing.T) {
	var seen []byte
	var n Notifier = NotifierFunc(func(_ context.Context, frame []byte) error {
		seen = frame
		return nil
	})
	require.NoError(t, n.Notify(context.Background(), []byte("x")))
	assert.Equal(t, []byte("x"), seen)
}
