package experiment

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/sensorlink-go/internal/compressor"
	"github.com/lk2023060901/sensorlink-go/internal/crypto"
	"github.com/lk2023060901/sensorlink-go/internal/ledger"
	"github.com/lk2023060901/sensorlink-go/internal/scenario"
	"github.com/lk2023060901/sensorlink-go/internal/transport"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

type recordingSink struct {
	mu    sync.Mutex
	dumps map[int]*ledger.Snapshot
	order []int
}

func (r *recordingSink) Store(_ context.Context, cfg scenario.Config, snap *ledger.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dumps == nil {
		r.dumps = make(map[int]*ledger.Snapshot)
	}
	r.dumps[cfg.ID] = snap
	r.order = append(r.order, cfg.ID)
	return nil
}

// startGateway 在后台运行网关回送循环，返回等待其退出的函数。
func startGateway(t *testing.T, ctx context.Context, peer *Peer, link *transport.Endpoint) func() {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, peer.Serve(ctx, link))
	}()
	return wg.Wait
}

func TestRunnerSingleScenario(t *testing.T) {
	for _, mode := range crypto.Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			sensorLink, gatewayLink, err := transport.NewLoopback()
			require.NoError(t, err)
			defer sensorLink.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			wait := startGateway(t, ctx, newPeer(t, mode), gatewayLink)

			exp, err := New(newBackend(t, mode), testSensor, WithMaxPackets(5))
			require.NoError(t, err)
			sink := &recordingSink{}
			r := NewRunner(exp, sensorLink,
				WithInterval(time.Millisecond),
				WithDumpSink(sink),
				WithSampler(ConstantSampler(1875)))

			require.NoError(t, r.Run(ctx, 4))
			sensorLink.Close()
			wait()

			assert.Equal(t, uint32(5), exp.Sent())
			assert.Equal(t, uint32(5), exp.Replies())
			require.Equal(t, []int{4}, sink.order)
			snap := sink.dumps[4]
			assert.Len(t, snap.Completed(ledger.TableRTT), 5)
			assert.Len(t, snap.Completed(ledger.TableSendProcessing), 5)
			assert.Len(t, snap.Completed(ledger.TableReceiveProcessing), 5)
			assert.Zero(t, exp.Codec().Stats().Snapshot().Rejected())
		})
	}
}

func TestRunnerSequential(t *testing.T) {
	sensorLink, gatewayLink, err := transport.NewLoopback()
	require.NoError(t, err)
	defer sensorLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wait := startGateway(t, ctx, newPeer(t, crypto.ModeAESGCM), gatewayLink)

	exp, err := New(newBackend(t, crypto.ModeAESGCM), testSensor, WithMaxPackets(2))
	require.NoError(t, err)
	sink := &recordingSink{}
	r := NewRunner(exp, sensorLink,
		WithInterval(time.Millisecond),
		WithSequential(true),
		WithDumpSink(sink))

	require.NoError(t, r.Run(ctx, 10))
	sensorLink.Close()
	wait()

	assert.Equal(t, []int{10, 11, 12}, sink.order)
	for _, id := range sink.order {
		assert.Len(t, sink.dumps[id].Completed(ledger.TableRTT), 2, "scenario %d", id)
	}
}

func TestRunnerBusyLink(t *testing.T) {
	exp, err := New(newBackend(t, crypto.ModeNone), testSensor, WithMaxPackets(2))
	require.NoError(t, err)

	link := struct {
		transport.Notifier
		transport.Receiver
	}{
		Notifier: busyNotifier,
		Receiver: blockingReceiver{},
	}
	r := NewRunner(exp, link,
		WithInterval(time.Millisecond),
		WithSendRetry(2, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = r.Run(ctx, 1)
	assert.True(t, merr.IsCanceledOrTimeout(err))
	assert.Zero(t, exp.Sent())
}

func TestRunnerSamplerFailure(t *testing.T) {
	sensorLink, gatewayLink, err := transport.NewLoopback()
	require.NoError(t, err)
	defer sensorLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wait := startGateway(t, ctx, newPeer(t, crypto.ModeUnmaskedAscon), gatewayLink)

	exp, err := New(newBackend(t, crypto.ModeUnmaskedAscon), testSensor, WithMaxPackets(3))
	require.NoError(t, err)
	calls := 0
	r := NewRunner(exp, sensorLink,
		WithInterval(time.Millisecond),
		WithSampler(SamplerFunc(func(context.Context) (int16, error) {
			calls++
			if calls%2 == 0 {
				return 0, errors.New("adc timeout")
			}
			return int16(calls), nil
		})))

	require.NoError(t, r.Run(ctx, 1))
	sensorLink.Close()
	wait()
	assert.Equal(t, uint32(3), exp.Sent())
	assert.Equal(t, 3, calls)
}

func TestRunnerFrameTooLarge(t *testing.T) {
	// 场景 4 的信封约 238 字节，超过 128 字节的链路上限。
	small, _, err := transport.NewLoopback(transport.WithMTU(128))
	require.NoError(t, err)
	defer small.Close()

	exp, err := New(newBackend(t, crypto.ModeAESGCM), testSensor, WithMaxPackets(2))
	require.NoError(t, err)
	r := NewRunner(exp, small, WithInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = r.Run(ctx, 4)
	assert.ErrorIs(t, err, merr.ErrTransportTooLarge)
	assert.Zero(t, exp.Sent())
}

func TestRunnerInvalidScenario(t *testing.T) {
	sensorLink, _, err := transport.NewLoopback()
	require.NoError(t, err)
	defer sensorLink.Close()

	exp, err := New(newBackend(t, crypto.ModeNone), testSensor)
	require.NoError(t, err)
	err = NewRunner(exp, sensorLink).Run(context.Background(), 0)
	assert.ErrorIs(t, err, merr.ErrInvalidScenario)
}

func TestRunnerWritesDirSink(t *testing.T) {
	sensorLink, gatewayLink, err := transport.NewLoopback()
	require.NoError(t, err)
	defer sensorLink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wait := startGateway(t, ctx, newPeer(t, crypto.ModeMaskedAscon), gatewayLink)

	zstd, err := compressor.NewZstdCompressor()
	require.NoError(t, err)
	defer zstd.Close()
	sink := &DirSink{Dir: t.TempDir(), Compressor: zstd}

	exp, err := New(newBackend(t, crypto.ModeMaskedAscon), testSensor, WithMaxPackets(4))
	require.NoError(t, err)
	r := NewRunner(exp, sensorLink, WithInterval(time.Millisecond), WithDumpSink(sink))
	require.NoError(t, r.Run(ctx, 2))
	sensorLink.Close()
	wait()

	dir := sink.ScenarioDir(2)
	for _, tbl := range ledger.Tables() {
		assert.FileExists(t, filepath.Join(dir, ledger.CSVFileName(tbl)))
	}
	assert.FileExists(t, filepath.Join(dir, "ledger.json"))
	assert.Equal(t, "ledger.bin.zstd", sink.ArchiveName())

	restored, err := sink.LoadArchive(2)
	require.NoError(t, err)
	assert.Equal(t, exp.Dump(), restored)

	rtt, err := os.ReadFile(filepath.Join(dir, "RTT.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(rtt), "Seq_Num,Start_Time,End_Time\n")
}

// blockingReceiver 在 ctx 结束前不返回任何帧。
type blockingReceiver struct{}

func (blockingReceiver) Recv(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
