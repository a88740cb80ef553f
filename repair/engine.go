// Package repair turns the text model's shot list into a consistent one:
// normalized durations, reconciled character lists, no filler or
// duplicate shots, contiguous numbering and timeline.
package repair

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"VideoAgent-server/identity"
	"VideoAgent-server/logging"
	"VideoAgent-server/models"
	"VideoAgent-server/textnorm"
)

const (
	DefaultSegmentDuration = 5
	DefaultMinShotDuration = 2
)

// Step names used in the change log.
const (
	StepDuration   = "duration"
	StepCharacters = "characters"
	StepFilter     = "filter"
	StepDedup      = "dedup"
)

type Options struct {
	// Mode is models.ModeScript or models.ModeVideo.
	Mode string
	// SegmentDuration is the fixed clip length in script mode, in seconds.
	SegmentDuration float64
	// MinShotDuration is the floor applied in video mode, in seconds.
	MinShotDuration float64
	Logger          *zerolog.Logger
}

type Engine struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = models.ModeScript
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}
	if opts.MinShotDuration <= 0 {
		opts.MinShotDuration = DefaultMinShotDuration
	}
	logger := *logging.OrNop(opts.Logger)
	return &Engine{opts: opts, logger: logger}
}

// Change is one correction made by the engine. Shot is the shot number at
// the time the step ran.
type Change struct {
	Step   string `json:"step"`
	Shot   int    `json:"shot"`
	Detail string `json:"detail"`
}

func (c Change) String() string {
	return fmt.Sprintf("Shot %d: %s", c.Shot, c.Detail)
}

type ChangeLog []Change

// Count returns how many changes the given step made.
func (l ChangeLog) Count(step string) int {
	n := 0
	for _, c := range l {
		if c.Step == step {
			n++
		}
	}
	return n
}

// Repair returns a corrected copy of a. The input is not modified and
// repairing an already repaired analysis changes nothing.
func (e *Engine) Repair(a models.ScriptAnalysis) (models.ScriptAnalysis, ChangeLog) {
	out := a.Clone()
	var log ChangeLog

	log = append(log, e.normalizeDurations(out.Shots)...)
	retime(out.Shots)

	log = append(log, reconcileCharacters(out.Characters, out.Shots)...)

	if e.opts.Mode == models.ModeVideo {
		var removed ChangeLog
		out.Shots, removed = filterMeaningless(out.Shots)
		log = append(log, removed...)
		retime(out.Shots)
	}

	var dups ChangeLog
	out.Shots, dups = dedupe(out.Shots)
	log = append(log, dups...)
	total := retime(out.Shots)

	out.ShotCount = len(out.Shots)
	out.Duration = total

	if len(log) > 0 {
		e.logger.Debug().
			Str("mode", e.opts.Mode).
			Int("changes", len(log)).
			Int("shots", out.ShotCount).
			Float64("duration", out.Duration).
			Msg("shot list repaired")
	}
	return out, log
}

func (e *Engine) normalizeDurations(shots []models.Shot) ChangeLog {
	var log ChangeLog
	for i := range shots {
		before := shots[i].DurationSeconds
		var after float64
		if e.opts.Mode == models.ModeVideo {
			after = math.Round(before)
			if after < e.opts.MinShotDuration {
				after = e.opts.MinShotDuration
			}
		} else {
			after = e.opts.SegmentDuration
		}
		if after != before {
			shots[i].DurationSeconds = after
			log = append(log, Change{
				Step:   StepDuration,
				Shot:   shotNumber(shots[i], i),
				Detail: fmt.Sprintf("duration %ss → %ss", formatSeconds(before), formatSeconds(after)),
			})
		}
	}
	return log
}

// retime renumbers shots 1..N and rebuilds contiguous time ranges; it
// returns the total duration.
func retime(shots []models.Shot) float64 {
	var start float64
	for i := range shots {
		end := start + shots[i].DurationSeconds
		shots[i].Number = i + 1
		shots[i].TimeRange = formatSeconds(start) + "-" + formatSeconds(end) + "s"
		start = end
	}
	return start
}

// reconcileCharacters rebuilds each shot's character list from the cast:
// an entry belongs to a shot when its short name appears as a whole word in
// the description or action. Lists keep cast order.
func reconcileCharacters(cast []string, shots []models.Shot) ChangeLog {
	var log ChangeLog
	for i := range shots {
		text := shots[i].Description + " " + shots[i].CharacterAction
		found := models.StringList{}
		seen := map[string]bool{}
		for _, full := range cast {
			short := identity.ShortName(full)
			if short == "" || seen[full] {
				continue
			}
			if textnorm.ContainsWord(text, short) {
				found = append(found, full)
				seen[full] = true
			}
		}
		if !sameList(shots[i].Characters, found) {
			log = append(log, Change{
				Step:   StepCharacters,
				Shot:   shots[i].Number,
				Detail: fmt.Sprintf("%s → %s", joinOrNone(shots[i].Characters), joinOrNone(found)),
			})
		}
		shots[i].Characters = found
	}
	return log
}

// nonContentPrefixes mark a shot without story content when its
// description starts with one of them: "Black screen", "Fade to black as
// the music ends", "Title card reading 'Chapter One'".
var nonContentPrefixes = [][]string{
	{"black", "screen"}, {"blank", "screen"}, {"white", "screen"}, {"empty", "screen"}, {"dark", "screen"},
	{"black", "frame"}, {"blank", "frame"}, {"white", "frame"}, {"empty", "frame"},
	{"solid"}, {"solid-color"}, {"solid-colour"},
	{"fade"}, {"fades"}, {"fading"}, {"fade-in"}, {"fade-out"}, {"cut", "to", "black"},
	{"title", "card"}, {"title", "screen"}, {"end", "card"}, {"end", "screen"},
	{"credits"}, {"end", "credits"}, {"opening", "credits"}, {"closing", "credits"},
	{"transition"}, {"blackout"},
	{"color", "bars"}, {"colour", "bars"}, {"tv", "static"}, {"static", "noise"}, {"static", "screen"},
}

// nonContentWhole are indicators only when they are the entire
// description; "Static shot of the river" is content.
var nonContentWhole = map[string]bool{
	"static": true, "noise": true, "black": true, "blank": true,
	"darkness": true, "logo": true, "white noise": true,
}

var leadingArticles = map[string]bool{"a": true, "an": true, "the": true}

// IsMeaningless reports whether a shot description carries no story
// content: after dropping a leading article, it is empty or starts with a
// non-content indicator.
func IsMeaningless(description string) bool {
	words := textnorm.Words(description)
	if len(words) > 0 && leadingArticles[words[0]] {
		words = words[1:]
	}
	if len(words) == 0 || nonContentWhole[strings.Join(words, " ")] {
		return true
	}
	for _, prefix := range nonContentPrefixes {
		if hasWordPrefix(words, prefix) {
			return true
		}
	}
	return false
}

func hasWordPrefix(words, prefix []string) bool {
	if len(words) < len(prefix) {
		return false
	}
	for i, w := range prefix {
		if words[i] != w {
			return false
		}
	}
	return true
}

func filterMeaningless(shots []models.Shot) ([]models.Shot, ChangeLog) {
	var log ChangeLog
	kept := shots[:0]
	for _, s := range shots {
		if IsMeaningless(s.Description) {
			log = append(log, Change{
				Step:   StepFilter,
				Shot:   s.Number,
				Detail: fmt.Sprintf("removed non-content shot %q", strings.TrimSpace(s.Description)),
			})
			continue
		}
		kept = append(kept, s)
	}
	return kept, log
}

// dedupe keeps the first shot for every normalized description.
func dedupe(shots []models.Shot) ([]models.Shot, ChangeLog) {
	var log ChangeLog
	first := map[string]int{}
	kept := shots[:0]
	for _, s := range shots {
		key := textnorm.Normalize(s.Description)
		if n, ok := first[key]; ok {
			log = append(log, Change{
				Step:   StepDedup,
				Shot:   s.Number,
				Detail: fmt.Sprintf("duplicate of shot %d removed", n),
			})
			continue
		}
		first[key] = s.Number
		kept = append(kept, s)
	}
	return kept, log
}

func shotNumber(s models.Shot, idx int) int {
	if s.Number > 0 {
		return s.Number
	}
	return idx + 1
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinOrNone(l []string) string {
	if len(l) == 0 {
		return "(none)"
	}
	return strings.Join(l, ", ")
}
