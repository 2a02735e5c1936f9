package gpio

import (
	"errors"
	"strings"
	"testing"
)

var (
	_ Output = (*Line)(nil)
	_ Input  = (*Line)(nil)
	_ Output = (*Sim)(nil)
	_ Input  = (*Sim)(nil)
)

func TestSim_SetGetHistory(t *testing.T) {
	s := NewSim("relay", false)

	if v, _ := s.Get(); v {
		t.Error("initial state should be off")
	}
	_ = s.Set(true)
	_ = s.Set(false)

	h := s.History()
	if len(h) != 2 || !h[0] || h[1] {
		t.Errorf("history = %v, want [true false]", h)
	}
}

func TestSim_ForceNotRecorded(t *testing.T) {
	s := NewSim("sense", false)
	s.Force(true)

	if v, _ := s.Get(); !v {
		t.Error("Force did not change state")
	}
	if len(s.History()) != 0 {
		t.Error("Force should not be recorded")
	}
}

func TestSim_Fail(t *testing.T) {
	s := NewSim("motor", false)
	boom := errors.New("line busy")
	s.Fail(boom)

	if err := s.Set(true); !errors.Is(err, boom) {
		t.Errorf("Set err = %v", err)
	}
	if _, err := s.Get(); !errors.Is(err, boom) {
		t.Errorf("Get err = %v", err)
	}

	s.Fail(nil)
	if err := s.Set(true); err != nil {
		t.Errorf("Set after clearing fault: %v", err)
	}
}

func TestSim_Close(t *testing.T) {
	s := NewSim("x", false)
	_ = s.Close()
	if !s.Closed() {
		t.Error("Closed() = false")
	}
	if err := s.Set(true); err == nil || !strings.Contains(err.Error(), "x released") {
		t.Errorf("Set after Close error = %v", err)
	}
	if _, err := s.Get(); err == nil {
		t.Error("Get after Close should fail")
	}
}

func TestLevel(t *testing.T) {
	if level(true) != 1 || level(false) != 0 {
		t.Error("level mapping wrong")
	}
}

func TestOpenChip_Missing(t *testing.T) {
	if _, err := OpenChip("/nonexistent/gpiochip99"); err == nil {
		t.Error("expected error opening a missing chip")
	}
}
