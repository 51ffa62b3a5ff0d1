package app_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wormhole/internal/app"
	"wormhole/internal/domain"
	"wormhole/internal/rendezvous"
	"wormhole/internal/retry"
)

func testConfig(t *testing.T) *app.Config {
	t.Helper()
	cfg := app.Default()
	cfg.TransitHelper = ""
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseAddrs = []string{"127.0.0.1"}
	cfg.Logging = &app.Logging{Disable: true}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func testApp(t *testing.T, srv *rendezvous.Server, cfg *app.Config) *app.App {
	t.Helper()
	w, err := app.NewWire(cfg, nil)
	require.NoError(t, err)
	w.Rendezvous = srv.Dialer()
	w.Retry = retry.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	t.Cleanup(func() { _ = w.Close() })
	return app.New(w)
}

type buffer struct {
	mu sync.Mutex
	bytes.Buffer
	closed bool
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendReceiveText(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	sender := testApp(t, srv, testConfig(t))
	receiver := testApp(t, srv, testConfig(t))
	ctx := ctxFor(t)

	codes := make(chan string, 1)
	sent := make(chan error, 1)
	go func() {
		sent <- sender.Send(ctx, app.SendRequest{
			Text:   "hi",
			OnCode: func(c string) { codes <- c },
		})
	}()

	got, err := receiver.Receive(ctx, app.ReceiveRequest{Code: <-codes})
	require.NoError(t, err)
	require.Equal(t, "hi", got.Text)
	require.NoError(t, <-sent)
}

func TestSendReceiveFile(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	sender := testApp(t, srv, testConfig(t))
	receiver := testApp(t, srv, testConfig(t))
	ctx := ctxFor(t)

	payload := make([]byte, 300*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() {
		sent <- sender.Send(ctx, app.SendRequest{
			Code:     "7-purple-sausage",
			File:     bytes.NewReader(payload),
			FileName: "../../etc/report.bin",
			FileSize: int64(len(payload)),
		})
	}()

	out := new(buffer)
	got, err := receiver.Receive(ctx, app.ReceiveRequest{
		Code: "7-purple-sausage",
		AcceptFile: func(name string, size int64) (io.WriteCloser, error) {
			require.Equal(t, "report.bin", name)
			require.EqualValues(t, len(payload), size)
			return out, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, <-sent)
	require.Equal(t, "report.bin", got.FileName)
	require.EqualValues(t, len(payload), got.FileSize)
	require.True(t, out.closed)
	require.True(t, bytes.Equal(payload, out.Bytes()))
}

func TestReceiverDeclinesFile(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	sender := testApp(t, srv, testConfig(t))
	receiver := testApp(t, srv, testConfig(t))
	ctx := ctxFor(t)

	sent := make(chan error, 1)
	go func() {
		sent <- sender.Send(ctx, app.SendRequest{
			Code:     "2-purple-sausage",
			File:     bytes.NewReader([]byte("x")),
			FileName: "x",
			FileSize: 1,
		})
	}()

	_, err := receiver.Receive(ctx, app.ReceiveRequest{Code: "2-purple-sausage"})
	require.ErrorIs(t, err, app.ErrRejected)
	require.ErrorIs(t, <-sent, app.ErrRejected)
}

func TestVerifierShownToBothSides(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	cfg := testConfig(t)
	cfg.Verify = true
	sender := testApp(t, srv, cfg)
	receiver := testApp(t, srv, cfg)
	ctx := ctxFor(t)

	verifiers := make(chan string, 2)
	confirm := func(v string) bool {
		verifiers <- v
		return true
	}

	sent := make(chan error, 1)
	go func() {
		sent <- sender.Send(ctx, app.SendRequest{Code: "3-purple-sausage", Text: "checked", Confirm: confirm})
	}()
	got, err := receiver.Receive(ctx, app.ReceiveRequest{Code: "3-purple-sausage", Confirm: confirm})
	require.NoError(t, err)
	require.Equal(t, "checked", got.Text)
	require.NoError(t, <-sent)
	require.Equal(t, <-verifiers, <-verifiers)
}

func TestWrongCode(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	sender := testApp(t, srv, testConfig(t))
	receiver := testApp(t, srv, testConfig(t))
	ctx := ctxFor(t)

	sent := make(chan error, 1)
	go func() {
		sent <- sender.Send(ctx, app.SendRequest{Code: "4-purple-sausage", Text: "hi"})
	}()
	_, err := receiver.Receive(ctx, app.ReceiveRequest{Code: "4-purple-sausages"})
	require.ErrorIs(t, err, domain.ErrWrongPassword)
	require.ErrorIs(t, <-sent, domain.ErrWrongPassword)
}

func TestMalformedCodeIsRejectedOffline(t *testing.T) {
	srv := rendezvous.NewServer(nil)
	receiver := testApp(t, srv, testConfig(t))

	for _, c := range []string{"", "purple-sausage", "4-purple-s4usage"} {
		_, err := receiver.Receive(context.Background(), app.ReceiveRequest{Code: c})
		var kfe *domain.KeyFormatError
		require.True(t, errors.As(err, &kfe), "code %q", c)
	}
	require.Equal(t, rendezvous.Stats{}, srv.Stats())
}

func TestWire_DumpTiming(t *testing.T) {
	cfg := testConfig(t)
	cfg.DumpTiming = filepath.Join(t.TempDir(), "timing.json")
	w, err := app.NewWire(cfg, nil)
	require.NoError(t, err)
	w.Timing.Start()
	w.Timing.Add("command dispatch")
	require.NoError(t, w.Close())

	b, err := os.ReadFile(cfg.DumpTiming)
	require.NoError(t, err)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(b, &events))
	require.Len(t, events, 3)
	require.Equal(t, "run", events[0]["name"])
	require.Equal(t, "exit", events[2]["name"])
}
