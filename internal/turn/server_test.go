package turn

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/turn/v2"
	"github.com/rs/zerolog"
)

func testConfig() ConfigOptions {
	return ConfigOptions{
		PublicIP:     "127.0.0.1",
		Port:         0,
		Username:     "user",
		Password:     "password",
		Realm:        "tablehub.local",
		RelayMinPort: 50000,
		RelayMaxPort: 50010,
	}
}

func TestAuthHandler(t *testing.T) {
	config := testConfig()
	auth := authHandler(config)

	key, ok := auth("user", "tablehub.local", nil)
	if !ok {
		t.Fatal("configured user rejected")
	}
	if want := turn.GenerateAuthKey("user", "tablehub.local", "password"); !bytes.Equal(key, want) {
		t.Fatalf("key = %x, want %x", key, want)
	}
	if _, ok := auth("other", "tablehub.local", nil); ok {
		t.Fatal("unknown user accepted")
	}
	if _, ok := auth("user", "elsewhere", nil); ok {
		t.Fatal("foreign realm accepted")
	}
}

func TestURL(t *testing.T) {
	logger := zerolog.Nop()
	config := testConfig()
	config.Port = 3478
	if got := New(&logger, config).URL(); got != "turn:127.0.0.1:3478" {
		t.Fatalf("URL() = %s", got)
	}
}

func TestServeStopsWithContext(t *testing.T) {
	logger := zerolog.Nop()
	s := New(&logger, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
