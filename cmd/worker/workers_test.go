package main

import (
	"context"
	"testing"

	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/worker"
)

func TestEchoReturnsInput(t *testing.T) {
	in := map[string]any{"a": 1, "b": "two"}
	out, err := echo(context.Background(), &model.Task{InputData: in})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if len(out.Output) != 2 || out.Output["b"] != "two" {
		t.Errorf("Output = %v, want input", out.Output)
	}
	if len(out.Logs) != 1 || out.Logs[0] != "echoed 2 keys" {
		t.Errorf("Logs = %v", out.Logs)
	}
}

func TestFailModes(t *testing.T) {
	tests := []struct {
		name         string
		input        map[string]any
		wantMsg      string
		wantTerminal bool
	}{
		{"default reason", nil, "requested failure", false},
		{"custom reason", map[string]any{"reason": "disk full"}, "disk full", false},
		{"terminal", map[string]any{"reason": "bad input", "terminal": true}, "bad input", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fail(context.Background(), &model.Task{InputData: tt.input})
			if err == nil {
				t.Fatal("fail returned nil error")
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("error = %q, want %q", err.Error(), tt.wantMsg)
			}
			if worker.IsTerminal(err) != tt.wantTerminal {
				t.Errorf("IsTerminal = %v, want %v", worker.IsTerminal(err), tt.wantTerminal)
			}
		})
	}
}

func TestRegisterWorkers(t *testing.T) {
	reg := worker.NewRegistry(nil)
	if err := registerWorkers(reg); err != nil {
		t.Fatalf("registerWorkers: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", reg.Len())
	}
	if w, ok := reg.Get(taskTypeFail, ""); !ok || w.InputSchema == "" {
		t.Errorf("fail worker missing or without schema: %+v", w)
	}
}
