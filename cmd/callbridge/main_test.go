package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
	gatewayserver "github.com/vango-go/vai-callbridge/pkg/gateway/server"
)

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(c chan<- os.Signal, sig ...os.Signal) {}, func(c chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, bridgeDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "callbridge: load config: boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunBridge_StopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var built bool
	err := runBridge(ctx, io.Discard, bridgeDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                "127.0.0.1:0",
				AuthMode:            config.AuthModeDisabled,
				ShutdownGracePeriod: time.Second,
			}, nil
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, deps gatewayserver.Dependencies) *gatewayserver.Server {
			built = true
			if deps.Outbound != nil {
				t.Errorf("outbound dialing should be off without telephony credentials")
			}
			return gatewayserver.New(cfg, logger, deps)
		},
		signalNotify: notify,
		signalStop:   stop,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if !built {
		t.Fatal("gateway was not built")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != cfg.ReadTimeout {
		t.Fatalf("ReadTimeout=%v, want %v", srv.ReadTimeout, cfg.ReadTimeout)
	}
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, config.Config{LogLevel: "warn", LogFormat: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("output=%q", out)
	}

	buf.Reset()
	newLogger(&buf, config.Config{LogLevel: "bogus", LogFormat: "text"}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("text output=%q", buf.String())
	}
}

func TestDialStore_MemoryAndRedis(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, ready, closeStore, err := dialStore(ctx, config.Config{DialerStore: config.StoreMemory}, logger)
	if err != nil {
		t.Fatal(err)
	}
	closeStore()
	if _, ok := store.(*dialer.MemoryStore); !ok || ready != nil {
		t.Fatalf("store=%T ready=%v", store, ready != nil)
	}

	mr := miniredis.RunT(t)
	store, ready, closeStore, err = dialStore(ctx, config.Config{
		DialerStore: config.StoreRedis,
		RedisURL:    "redis://" + mr.Addr(),
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if _, ok := store.(*dialer.RedisStore); !ok {
		t.Fatalf("store=%T", store)
	}
	if err := ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	if _, _, _, err := dialStore(ctx, config.Config{DialerStore: config.StoreRedis, RedisURL: "://bad"}, logger); err == nil {
		t.Fatal("expected an invalid redis url to fail")
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		AuthMode:          config.AuthModeDisabled,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Second,
	}
	gw := gatewayserver.New(cfg, logger, gatewayserver.Dependencies{Sink: newSink(cfg, logger)})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
