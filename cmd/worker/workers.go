package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/taskworker/internal/model"
	"github.com/seantiz/taskworker/internal/worker"
)

const (
	taskTypeEcho = "echo"
	taskTypeFail = "fail"
)

const failInputSchema = `{
	"type": "object",
	"properties": {
		"reason":   {"type": "string"},
		"terminal": {"type": "boolean"}
	},
	"additionalProperties": false
}`

func registerWorkers(reg *worker.Registry) error {
	return errors.Join(
		worker.Register(reg, taskTypeEcho, echo),
		worker.Register(reg, taskTypeFail, fail, worker.WithInputSchema(failInputSchema)),
	)
}

// echo completes with the task's input as output.
func echo(_ context.Context, task *model.Task) (worker.Outcome, error) {
	return worker.Outcome{
		Output: task.InputData,
		Logs:   []string{fmt.Sprintf("echoed %d keys", len(task.InputData))},
	}, nil
}

// fail always fails, terminally when the input asks for it.
func fail(_ context.Context, task *model.Task) (worker.Outcome, error) {
	reason, _ := task.InputData["reason"].(string)
	if reason == "" {
		reason = "requested failure"
	}
	if terminal, _ := task.InputData["terminal"].(bool); terminal {
		return worker.Outcome{}, worker.Terminal(reason)
	}
	return worker.Outcome{}, errors.New(reason)
}
