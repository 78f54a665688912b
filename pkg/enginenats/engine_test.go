package enginenats

import (
	"testing"

	"github.com/adred-codev/fiopost/pkg/value"
)

func TestSubjectWithoutPrefix(t *testing.T) {
	e := &Engine{}
	got := e.subject(value.StringFrom("orders.created"), false)
	if got != "orders.created" {
		t.Fatalf("expected 'orders.created', got %q", got)
	}
}

func TestSubjectWithPrefix(t *testing.T) {
	e := &Engine{prefix: "fiopost"}
	got := e.subject(value.StringFrom("orders.created"), false)
	if got != "fiopost.orders.created" {
		t.Fatalf("expected 'fiopost.orders.created', got %q", got)
	}
}

func TestStripPrefixRoundTrip(t *testing.T) {
	e := &Engine{prefix: "fiopost"}
	subj := e.subject(value.StringFrom("orders.*"), true)
	if got := e.stripPrefix(subj); got != "orders.*" {
		t.Fatalf("expected 'orders.*' after stripping prefix, got %q", got)
	}
}

func TestStripPrefixNoop(t *testing.T) {
	e := &Engine{}
	if got := e.stripPrefix("orders.created"); got != "orders.created" {
		t.Fatalf("expected unchanged subject, got %q", got)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxReconnects != -1 {
		t.Fatalf("expected MaxReconnects default -1, got %d", cfg.MaxReconnects)
	}
	if cfg.ReconnectWait == 0 || cfg.MaxPingsOut == 0 || cfg.PingInterval == 0 {
		t.Fatalf("expected all remaining defaults to be filled in, got %+v", cfg)
	}
}
