package portforward

import (
	"bytes"
	"strings"
	"testing"
)

func TestProcessCommandAdd(t *testing.T) {
	m := NewManager()
	var buf bytes.Buffer

	exit := ProcessCommand(m, "add 9001 example.com 80", &buf)
	if exit {
		t.Fatal("add should not request exit")
	}
	if !strings.Contains(buf.String(), "Added rule with ID: 1") {
		t.Errorf("output = %q", buf.String())
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(m.List()))
	}
}

func TestProcessCommandAddUsageOnMissingArgs(t *testing.T) {
	m := NewManager()
	var buf bytes.Buffer

	ProcessCommand(m, "add 9001 example.com", &buf)
	if !strings.Contains(buf.String(), "Usage: add") {
		t.Errorf("expected usage message, got %q", buf.String())
	}
	if len(m.List()) != 0 {
		t.Error("invalid add must not mutate the rule table")
	}
}

func TestProcessCommandRemoveUnknown(t *testing.T) {
	m := NewManager()
	var buf bytes.Buffer

	ProcessCommand(m, "remove 5", &buf)
	if !strings.Contains(buf.String(), "Failed to remove rule 5") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestProcessCommandEnableDisable(t *testing.T) {
	m := NewManager()
	m.AddRule(9001, "example.com", 80, "")
	var buf bytes.Buffer

	ProcessCommand(m, "disable 1", &buf)
	if m.List()[0].Active {
		t.Error("rule should be disabled")
	}

	buf.Reset()
	ProcessCommand(m, "enable 1", &buf)
	if !m.List()[0].Active {
		t.Error("rule should be enabled")
	}
}

func TestProcessCommandUnknown(t *testing.T) {
	m := NewManager()
	var buf bytes.Buffer

	ProcessCommand(m, "frobnicate", &buf)
	if !strings.Contains(buf.String(), "Unknown command: frobnicate") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestProcessCommandQuitExit(t *testing.T) {
	m := NewManager()
	var buf bytes.Buffer

	if !ProcessCommand(m, "quit", &buf) {
		t.Error("quit should request exit")
	}
	if !ProcessCommand(m, "exit", &buf) {
		t.Error("exit should request exit")
	}
}

func TestProcessCommandEmptyLine(t *testing.T) {
	m := NewManager()
	var buf bytes.Buffer
	if ProcessCommand(m, "   ", &buf) {
		t.Error("blank line should not request exit")
	}
	if buf.Len() != 0 {
		t.Errorf("blank line should produce no output, got %q", buf.String())
	}
}
