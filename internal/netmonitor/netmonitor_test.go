package netmonitor

import (
	"net"
	"testing"
	"time"
)

func TestOnlineTrueWhenHostIsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	m := &DialMonitor{hostPort: ln.Addr().String(), timeout: time.Second}
	if !m.Online() {
		t.Fatalf("Online() = false, want true for a reachable listener")
	}
}

func TestOnlineFalseWhenHostIsUnreachable(t *testing.T) {
	m := &DialMonitor{hostPort: "127.0.0.1:1", timeout: 100 * time.Millisecond}
	if m.Online() {
		t.Fatalf("Online() = true, want false for a closed port")
	}
}

func TestNewDialMonitorParsesHostAndDefaultsPort(t *testing.T) {
	m := NewDialMonitor("https://sync.aurora-mail.example")
	if m.hostPort != "sync.aurora-mail.example:443" {
		t.Fatalf("hostPort = %q, want sync.aurora-mail.example:443", m.hostPort)
	}

	m2 := NewDialMonitor("https://sync.aurora-mail.example:9443")
	if m2.hostPort != "sync.aurora-mail.example:9443" {
		t.Fatalf("hostPort = %q, want sync.aurora-mail.example:9443", m2.hostPort)
	}
}
