package config

import "testing"

func TestValidateRejectsBadRole(t *testing.T) {
	c := &Config{Role: "bogus", WorkerCount: 1, QueueSize: 1, HeartbeatInterval: 1, LogLevel: "info", LogFormat: "json"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestValidateRequiresRootPIDForWorker(t *testing.T) {
	c := &Config{Role: "worker", RootPID: 0, WorkerCount: 1, QueueSize: 1, HeartbeatInterval: 1, LogLevel: "info", LogFormat: "json"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing root pid")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := &Config{
		Role:              "root",
		WorkerCount:       4,
		QueueSize:         1024,
		HeartbeatInterval: 1,
		LogLevel:          "info",
		LogFormat:         "json",
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := &Config{Role: "root", WorkerCount: 1, QueueSize: 1, HeartbeatInterval: 1, LogLevel: "loud", LogFormat: "json"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
