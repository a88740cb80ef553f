package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"VideoAgent-server/models"
	"VideoAgent-server/repair"
)

const rawAnalysis = "```json\n" + `{"characters": ["Mira (young woman)"], "shots": [
  {"description": "Mira waits at the stop", "duration_seconds": 3},
  {"description": "mira waits at the stop", "duration_seconds": 4},
  {"description": "The bus arrives", "duration_seconds": 8,},
]}` + "\n```"

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRepairCommandPrintsTables(t *testing.T) {
	out, err := runCLI(t, rawAnalysis, "repair", "-")
	if err != nil {
		t.Fatalf("repair: %v\n%s", err, out)
	}
	for _, want := range []string{"Description", "The bus arrives", "5-10s", repair.StepDedup, repair.StepDuration} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRepairCommandJSON(t *testing.T) {
	out, err := runCLI(t, rawAnalysis, "repair", "--json", "--mode", models.ModeScript, "-")
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	var res struct {
		Analysis models.ScriptAnalysis `json:"analysis"`
		Changes  repair.ChangeLog      `json:"changes"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if res.Analysis.ShotCount != 2 || res.Analysis.Duration != 10 {
		t.Fatalf("analysis got %d shots %vs", res.Analysis.ShotCount, res.Analysis.Duration)
	}
	if res.Changes.Count(repair.StepDedup) != 1 {
		t.Fatalf("changes got %v", res.Changes)
	}
}

func TestRepairCommandRejectsGarbage(t *testing.T) {
	if _, err := runCLI(t, "sorry, I cannot help", "repair", "-"); err == nil {
		t.Fatal("expected error for unparseable input")
	}
}
