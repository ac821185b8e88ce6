package scheduler

import (
	"testing"

	"github.com/aurora-mail/sync-engine/internal/config"
)

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

func TestNewSchedulerStartsStopped(t *testing.T) {
	s := New(nil, config.Default(), alwaysOnline{})
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want StateStopped", s.State())
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	s := New(nil, config.Default(), alwaysOnline{})
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	s.Pause()
	if s.State() != StatePaused {
		t.Fatalf("state = %v, want StatePaused", s.State())
	}

	s.Resume()
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want StateIdle", s.State())
	}
}

func TestPauseIsNoOpWhenStopped(t *testing.T) {
	s := New(nil, config.Default(), alwaysOnline{})
	s.Pause()
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want StateStopped (Pause must not resurrect a stopped scheduler)", s.State())
	}
}

func TestOrderedOptedInRespectsConfig(t *testing.T) {
	cfg := config.Default()
	cfg.OptIns.Contacts = false
	dts := orderedOptedIn(cfg)
	for _, dt := range dts {
		if string(dt) == "contacts" {
			t.Fatalf("contacts should be excluded when opted out")
		}
	}
	if len(dts) != 3 {
		t.Fatalf("len(dts) = %d, want 3", len(dts))
	}
}
