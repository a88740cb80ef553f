package repair

import (
	"reflect"
	"testing"

	"VideoAgent-server/models"
)

func shot(desc string, dur float64, chars ...string) models.Shot {
	return models.Shot{Description: desc, DurationSeconds: dur, Characters: chars}
}

func assertTimeline(t *testing.T, a models.ScriptAnalysis) {
	t.Helper()
	if a.ShotCount != len(a.Shots) {
		t.Fatalf("shot_count %d != len(shots) %d", a.ShotCount, len(a.Shots))
	}
	var sum float64
	for i, s := range a.Shots {
		if s.Number != i+1 {
			t.Fatalf("shot %d has number %d", i, s.Number)
		}
		sum += s.DurationSeconds
	}
	if sum != a.Duration {
		t.Fatalf("duration %v != sum %v", a.Duration, sum)
	}
}

func TestScriptModeNormalizesDurationsAndTimeline(t *testing.T) {
	in := models.ScriptAnalysis{
		ShotCount: 7,
		Duration:  99,
		Shots: []models.Shot{
			shot("Mira waits", 3),
			shot("Mira runs", 8.5),
			shot("Rain", 0),
		},
	}
	out, log := New(Options{Mode: models.ModeScript}).Repair(in)
	assertTimeline(t, out)

	wantRanges := []string{"0-5s", "5-10s", "10-15s"}
	for i, s := range out.Shots {
		if s.DurationSeconds != 5 {
			t.Fatalf("shot %d duration got %v want 5", i+1, s.DurationSeconds)
		}
		if s.TimeRange != wantRanges[i] {
			t.Fatalf("shot %d range got %q want %q", i+1, s.TimeRange, wantRanges[i])
		}
	}
	if out.Duration != 15 || out.ShotCount != 3 {
		t.Fatalf("totals got %v/%d", out.Duration, out.ShotCount)
	}
	if log.Count(StepDuration) != 3 {
		t.Fatalf("duration changes got %d want 3", log.Count(StepDuration))
	}
	if in.Shots[0].DurationSeconds != 3 {
		t.Fatal("input analysis was modified")
	}
}

func TestVideoModeRoundsAndClamps(t *testing.T) {
	in := models.ScriptAnalysis{Shots: []models.Shot{
		shot("Mira waits", 4.6),
		shot("Mira turns", 0.8),
		shot("Mira leaves", 3),
	}}
	out, _ := New(Options{Mode: models.ModeVideo}).Repair(in)
	assertTimeline(t, out)

	want := []float64{5, 2, 3}
	for i, s := range out.Shots {
		if s.DurationSeconds != want[i] {
			t.Fatalf("shot %d duration got %v want %v", i+1, s.DurationSeconds, want[i])
		}
	}
	if out.Shots[2].TimeRange != "7-10s" {
		t.Fatalf("last range got %q", out.Shots[2].TimeRange)
	}
}

func TestCharacterReconciliation(t *testing.T) {
	in := models.ScriptAnalysis{
		Characters: []string{"Mira (young woman, 20s)", "Jun (old man)"},
		Shots: []models.Shot{
			{Description: "Mira walks into the shop", Characters: models.StringList{}},
			{Description: "An empty street", CharacterAction: "Jun waves", Characters: models.StringList{"Mira (young woman, 20s)"}},
			{Description: "Miranda smiles", Characters: models.StringList{"Mira (young woman, 20s)"}},
		},
	}
	out, log := New(Options{}).Repair(in)

	if got := []string(out.Shots[0].Characters); !reflect.DeepEqual(got, []string{"Mira (young woman, 20s)"}) {
		t.Fatalf("shot 1 characters got %v", got)
	}
	if got := []string(out.Shots[1].Characters); !reflect.DeepEqual(got, []string{"Jun (old man)"}) {
		t.Fatalf("shot 2 characters got %v", got)
	}
	if len(out.Shots[2].Characters) != 0 {
		t.Fatalf("shot 3 characters got %v", out.Shots[2].Characters)
	}
	if log.Count(StepCharacters) != 3 {
		t.Fatalf("character changes got %d want 3: %v", log.Count(StepCharacters), log)
	}
}

func TestDuplicateRemoval(t *testing.T) {
	in := models.ScriptAnalysis{Shots: []models.Shot{
		shot("Mira opens the door", 5),
		shot("Rain on the window", 5),
		shot("  mira OPENS   the door ", 5),
	}}
	out, log := New(Options{}).Repair(in)
	assertTimeline(t, out)

	if len(out.Shots) != 2 {
		t.Fatalf("shots got %d want 2", len(out.Shots))
	}
	if out.Shots[0].Description != "Mira opens the door" || out.Shots[1].Description != "Rain on the window" {
		t.Fatalf("unexpected survivors %+v", out.Shots)
	}
	if out.Shots[1].TimeRange != "5-10s" || out.Duration != 10 {
		t.Fatalf("timeline got %q total %v", out.Shots[1].TimeRange, out.Duration)
	}
	if log.Count(StepDedup) != 1 {
		t.Fatalf("dedup changes got %d want 1", log.Count(StepDedup))
	}
}

func TestVideoModeFiltersMeaninglessShots(t *testing.T) {
	in := models.ScriptAnalysis{Shots: []models.Shot{
		shot("Black screen", 2),
		shot("Static shot of Mira at the desk", 4),
		shot("Fade to black.", 1),
		shot("The end card with logo", 3),
		shot("Mira closes the laptop", 3),
	}}
	out, log := New(Options{Mode: models.ModeVideo}).Repair(in)
	assertTimeline(t, out)

	if len(out.Shots) != 2 {
		t.Fatalf("shots got %d want 2: %+v", len(out.Shots), out.Shots)
	}
	if out.Shots[0].Description != "Static shot of Mira at the desk" {
		t.Fatalf("first survivor got %q", out.Shots[0].Description)
	}
	if log.Count(StepFilter) != 3 {
		t.Fatalf("filtered got %d want 3", log.Count(StepFilter))
	}
}

func TestScriptModeKeepsFillerShots(t *testing.T) {
	in := models.ScriptAnalysis{Shots: []models.Shot{shot("Black screen", 5), shot("Mira", 5)}}
	out, _ := New(Options{Mode: models.ModeScript}).Repair(in)
	if len(out.Shots) != 2 {
		t.Fatalf("script mode must not filter, got %d shots", len(out.Shots))
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	in := models.ScriptAnalysis{
		Characters: []string{"Mira (young woman, 20s)"},
		Shots: []models.Shot{
			shot("Mira waits", 4.4),
			shot("Fade out", 1),
			shot("mira waits", 2),
			shot("The bus arrives", 7.5, "Mira (young woman, 20s)"),
		},
	}
	for _, mode := range []string{models.ModeScript, models.ModeVideo} {
		e := New(Options{Mode: mode})
		once, _ := e.Repair(in)
		twice, log := e.Repair(once)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("%s: second repair changed the analysis:\n%+v\n%+v", mode, once, twice)
		}
		if len(log) != 0 {
			t.Fatalf("%s: second repair logged changes: %v", mode, log)
		}
		assertTimeline(t, twice)
	}
}

func TestIsMeaningless(t *testing.T) {
	cases := map[string]bool{
		"":                                 true,
		"Black screen":                     true,
		"Fade in from black":               true,
		"Title card":                       true,
		"Credits roll":                     true,
		"Mira fades out":                   false,
		"Static shot of the river":         false,
		"Solid red frame":                  true,
		"Fade to black as the music ends":  true,
		"Title card reading 'Chapter One'": true,
		"Transition effect: whip pan":      true,
		"The end card with logo":           true,
		"Static":                           true,
		"A dark scene":                     false,
		"Black cat on the fence":           false,
		"The title of the book glows":      false,
	}
	for desc, want := range cases {
		if got := IsMeaningless(desc); got != want {
			t.Fatalf("IsMeaningless(%q) got %v want %v", desc, got, want)
		}
	}
}
