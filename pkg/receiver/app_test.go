package receiver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescp17/busFileSharer/pkg/bus"
	"github.com/rescp17/busFileSharer/pkg/fileInfo"
	"github.com/rescp17/busFileSharer/pkg/transfer"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	config := DefaultConfig()
	config.ScratchDir = filepath.Join(root, "temp")
	config.TargetDir = filepath.Join(root, "out")
	return config
}

// startApp runs the receiver in the background and returns once it is
// subscribed to the data topic.
func startApp(t *testing.T, ctx context.Context, tr bus.Transport, config Config) (*App, <-chan error) {
	t.Helper()
	logger, hook := newTestLogger()
	app, err := NewApp(config, tr, logger)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()
	waitForLog(t, hook, "Waiting for transfers")
	return app, errCh
}

func waitForLog(t *testing.T, hook *logtest.Hook, message string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Message == message {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func waitForExit(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not exit")
		return nil
	}
}

func sendFile(t *testing.T, ctx context.Context, tr bus.Transport, topic, name string, content []byte, chunkSize int) (*transfer.Result, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	node, err := fileInfo.CreateNode(path)
	require.NoError(t, err)

	acks, err := tr.Subscribe(ctx, transfer.StatusTopic(topic))
	require.NoError(t, err)

	config := transfer.DefaultTransferConfig()
	config.ChunkSize = chunkSize
	logger, _ := newTestLogger()
	return transfer.NewController(config, tr, topic, logger).Send(ctx, &node, acks)
}

func publish(t *testing.T, ctx context.Context, tr bus.Transport, topic string, env *transfer.TransferEnvelope) {
	t.Helper()
	payload, err := transfer.NewJSONSerializer().MarshalEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, topic, payload))
}

func TestApp_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	app, errCh := startApp(t, ctx, tr, config)

	var (
		mu        sync.Mutex
		finalized []*FinalizeResult
	)
	app.OnFinalized(func(r *FinalizeResult) {
		mu.Lock()
		defer mu.Unlock()
		finalized = append(finalized, r)
	})

	content := []byte("0123456789")
	result, err := sendFile(t, ctx, tr, config.DataTopic, "ten.bin", content, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Chunks)

	require.NoError(t, waitForExit(t, errCh), "receiver exits after the first transfer")

	got, err := os.ReadFile(filepath.Join(config.TargetDir, "ten.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, finalized, 1)
	assert.Equal(t, result.TransferID, finalized[0].TransferID)
	assert.Equal(t, int64(10), finalized[0].Size)

	entries, err := os.ReadDir(config.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "working file was promoted")
}

func TestApp_EndToEnd_LargerFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	_, errCh := startApp(t, ctx, tr, config)

	content := make([]byte, 64*1024+17)
	for i := range content {
		content[i] = byte(i * 31)
	}
	_, err := sendFile(t, ctx, tr, config.DataTopic, "blob.bin", content, transfer.DefaultChunkSize)
	require.NoError(t, err)
	require.NoError(t, waitForExit(t, errCh))

	got, err := os.ReadFile(filepath.Join(config.TargetDir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestApp_EndToEnd_EmptyFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	_, errCh := startApp(t, ctx, tr, config)

	result, err := sendFile(t, ctx, tr, config.DataTopic, "empty.txt", nil, 4)
	require.NoError(t, err)
	assert.Zero(t, result.Chunks)
	require.NoError(t, waitForExit(t, errCh))

	info, err := os.Stat(filepath.Join(config.TargetDir, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestApp_EndToEnd_DuplicatedDelivery(t *testing.T) {
	content := []byte("at-least-once delivery must not corrupt the file")

	// Repeated runs with the default worker count; a reordered duplicate
	// shows up as a corrupted or failed transfer.
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tr := bus.NewMemory()

		config := testConfig(t)
		require.Equal(t, DefaultConfig().MaxWorkers, config.MaxWorkers)
		tr.SetInterceptor(func(msg bus.Message) []bus.Message {
			if msg.Topic == config.DataTopic {
				return []bus.Message{msg, msg}
			}
			return []bus.Message{msg}
		})
		_, errCh := startApp(t, ctx, tr, config)

		_, err := sendFile(t, ctx, tr, config.DataTopic, "dup.txt", content, 5)
		require.NoError(t, err)
		require.NoError(t, waitForExit(t, errCh))

		got, err := os.ReadFile(filepath.Join(config.TargetDir, "dup.txt"))
		require.NoError(t, err)
		assert.Equal(t, content, got, "run %d", i)

		tr.Close()
		cancel()
	}
}

func TestApp_InterleavedTransfersKeepOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	config.ExitAfterTransfer = false
	tr.SetInterceptor(func(msg bus.Message) []bus.Message {
		if msg.Topic == config.DataTopic {
			return []bus.Message{msg, msg}
		}
		return []bus.Message{msg}
	})
	app, errCh := startApp(t, ctx, tr, config)

	const transfers = 4
	finalized := make(chan *FinalizeResult, transfers)
	app.OnFinalized(func(r *FinalizeResult) { finalized <- r })

	contents := make([]string, transfers)
	for i := range contents {
		contents[i] = strings.Repeat(string(rune('a'+i)), 30)
	}

	// Every transfer sends its chunks in order, but records of different
	// transfers are interleaved on the topic.
	for n := 0; n*4 < 30; n++ {
		for i, content := range contents {
			end := min((n+1)*4, len(content))
			publish(t, ctx, tr, config.DataTopic, transfer.NewChunkEnvelope(
				fmt.Sprintf("t%d", i), fmt.Sprintf("f%d.txt", i), int64(len(content)),
				transfer.HashText(content), int64(n), []byte(content[n*4:end])))
		}
	}
	for i, content := range contents {
		publish(t, ctx, tr, config.DataTopic, transfer.NewTerminalEnvelope(
			fmt.Sprintf("t%d", i), fmt.Sprintf("f%d.txt", i), transfer.HashText(content)))
	}

	for range transfers {
		select {
		case <-finalized:
		case <-ctx.Done():
			t.Fatal("transfers were not finalized")
		}
	}
	for i, content := range contents {
		got, err := os.ReadFile(filepath.Join(config.TargetDir, fmt.Sprintf("f%d.txt", i)))
		require.NoError(t, err)
		assert.Equal(t, content, string(got))
	}
	assert.Zero(t, app.Chunks().Active())

	cancel()
	assert.ErrorIs(t, waitForExit(t, errCh), context.Canceled)
}

func TestApp_FileIntegrityFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	_, errCh := startApp(t, ctx, tr, config)

	publish(t, ctx, tr, config.DataTopic, transfer.NewChunkEnvelope("7", "a.txt", 10, "wrong", 0, []byte("0123")))
	publish(t, ctx, tr, config.DataTopic, transfer.NewTerminalEnvelope("7", "a.txt", transfer.HashText("0123456789")))

	err := waitForExit(t, errCh)
	assert.ErrorIs(t, err, transfer.ErrFileIntegrity)

	_, statErr := os.Stat(filepath.Join(config.TargetDir, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(config.ScratchDir, transfer.WorkingFileName("7", "a.txt")))
	assert.NoError(t, statErr, "unverified working file is left in place")
}

func TestApp_FileIntegrityFailure_KeepsRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	config.ExitAfterTransfer = false
	app, errCh := startApp(t, ctx, tr, config)

	finalized := make(chan *FinalizeResult, 1)
	app.OnFinalized(func(r *FinalizeResult) { finalized <- r })

	publish(t, ctx, tr, config.DataTopic, transfer.NewChunkEnvelope("7", "a.txt", 4, "wrong", 0, []byte("0123")))
	publish(t, ctx, tr, config.DataTopic, transfer.NewTerminalEnvelope("7", "a.txt", "wrong"))
	publish(t, ctx, tr, config.DataTopic, transfer.NewChunkEnvelope("8", "b.txt", 2, transfer.HashText("ok"), 0, []byte("ok")))
	publish(t, ctx, tr, config.DataTopic, transfer.NewTerminalEnvelope("8", "b.txt", transfer.HashText("ok")))

	select {
	case r := <-finalized:
		assert.Equal(t, "8", r.TransferID)
	case <-time.After(5 * time.Second):
		t.Fatal("second transfer was not finalized")
	}

	cancel()
	assert.ErrorIs(t, waitForExit(t, errCh), context.Canceled)
}

func TestApp_CorruptedChunkNotAcked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	config.ExitAfterTransfer = false
	_, errCh := startApp(t, ctx, tr, config)

	acks, err := tr.Subscribe(ctx, transfer.StatusTopic(config.DataTopic))
	require.NoError(t, err)

	bad := transfer.NewChunkEnvelope("7", "a.txt", 8, "h", 0, []byte("0123"))
	bad.ChunkHash = transfer.HashText("tampered")
	publish(t, ctx, tr, config.DataTopic, bad)
	publish(t, ctx, tr, config.DataTopic, transfer.NewChunkEnvelope("7", "a.txt", 8, "h", 0, []byte("0123")))

	serializer := transfer.NewJSONSerializer()
	select {
	case msg := <-acks:
		ack, err := serializer.UnmarshalAck(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, int64(0), ack.Number())
	case <-time.After(5 * time.Second):
		t.Fatal("no ack for the valid chunk")
	}

	select {
	case msg := <-acks:
		t.Fatalf("unexpected second ack: %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.ErrorIs(t, waitForExit(t, errCh), context.Canceled)
}

func TestApp_MalformedPayloadIsFatal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()
	defer tr.Close()

	config := testConfig(t)
	_, errCh := startApp(t, ctx, tr, config)

	require.NoError(t, tr.Publish(ctx, config.DataTopic, []byte(`{"transfer_id":"1"}`)))
	assert.ErrorIs(t, waitForExit(t, errCh), transfer.ErrProtocolDecode)
}

func TestApp_TransportClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr := bus.NewMemory()

	_, errCh := startApp(t, ctx, tr, testConfig(t))
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, waitForExit(t, errCh), bus.ErrClosed)
}

func TestNewApp_CreatesDirectories(t *testing.T) {
	config := testConfig(t)
	logger, _ := newTestLogger()
	_, err := NewApp(config, bus.NewMemory(), logger)
	require.NoError(t, err)

	for _, dir := range []string{config.ScratchDir, config.TargetDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty topic", func(c *Config) { c.DataTopic = "" }},
		{"empty scratch dir", func(c *Config) { c.ScratchDir = "" }},
		{"empty target dir", func(c *Config) { c.TargetDir = "" }},
		{"no workers", func(c *Config) { c.MaxWorkers = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.mutate(&config)
			assert.ErrorIs(t, config.Validate(), transfer.ErrInvalidConfiguration)

			logger, _ := newTestLogger()
			_, err := NewApp(config, bus.NewMemory(), logger)
			assert.ErrorIs(t, err, transfer.ErrInvalidConfiguration)
		})
	}
}
