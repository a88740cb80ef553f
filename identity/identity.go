// Package identity resolves character names to stable IDs and keeps shot
// text and reference assets consistent across renames.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"VideoAgent-server/models"
	"VideoAgent-server/textnorm"
)

var (
	ErrNotFound         = errors.New("character not found")
	ErrIdentityConflict = errors.New("identity conflict")
	ErrMissingReference = errors.New("missing reference asset")
)

// ShortName returns the part of a display name before its first "(",
// so "Mira (young woman, 20s)" becomes "Mira".
func ShortName(name string) string {
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	return textnorm.Collapse(name)
}

func key(name string) string {
	return textnorm.Normalize(ShortName(name))
}

// Resolve maps name to the ID of a known character. Short names are compared
// case-insensitively; failing that, a single-word name matches a character
// whose name starts with that word ("Mira" and "Mira Chen") when exactly
// one such character exists.
func Resolve(name string, known []models.Character) (string, error) {
	k := key(name)
	if k == "" {
		return "", ErrNotFound
	}
	for _, c := range known {
		if key(c.Name) == k {
			return c.ID, nil
		}
	}

	var match string
	hits := 0
	for _, c := range known {
		ck := key(c.Name)
		if ck == "" {
			continue
		}
		if firstWord(ck) == k || firstWord(k) == ck {
			match = c.ID
			hits++
		}
	}
	if hits == 1 {
		return match, nil
	}
	return "", ErrNotFound
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// OrderByMention sorts names by the first whole-word position of their short
// name in text. Names that never appear keep their relative order at the end.
func OrderByMention(names []string, text string) []string {
	type ranked struct {
		name string
		pos  int
	}
	rs := make([]ranked, len(names))
	for i, n := range names {
		rs[i] = ranked{name: n, pos: textnorm.IndexWord(text, ShortName(n))}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i].pos, rs[j].pos
		switch {
		case a < 0:
			return false
		case b < 0:
			return true
		default:
			return a < b
		}
	})
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.name
	}
	return out
}

// Reference is one character image attached to a generation request.
type Reference struct {
	CharacterID string `json:"character_id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
}

// ResolveReferences collects the reference images for the characters of a
// shot, in order of first mention. Characters that are unknown or have no
// image are skipped with a warning and returned in missing.
func ResolveReferences(shot models.Shot, known []models.Character, logger *zerolog.Logger) (refs []Reference, missing []string) {
	byID := make(map[string]models.Character, len(known))
	for _, c := range known {
		byID[c.ID] = c
	}

	text := shot.Description + " " + shot.CharacterAction
	for _, name := range OrderByMention(shot.Characters, text) {
		id, err := Resolve(name, known)
		if err != nil {
			warn(logger, shot.Number, name, err)
			missing = append(missing, name)
			continue
		}
		c := byID[id]
		if c.ReferenceImage == "" {
			warn(logger, shot.Number, name, ErrMissingReference)
			missing = append(missing, name)
			continue
		}
		refs = append(refs, Reference{CharacterID: c.ID, Name: c.Name, Image: c.ReferenceImage})
	}
	return refs, missing
}

func warn(logger *zerolog.Logger, shot int, name string, err error) {
	if logger == nil {
		return
	}
	logger.Warn().Err(err).Int("shot", shot).Str("character", name).Msg("reference skipped")
}

// ReplaceName rewrites whole-word occurrences of the short name of from
// with the short name of to.
func ReplaceName(text, from, to string) string {
	return textnorm.ReplaceWord(text, ShortName(from), ShortName(to))
}

// RenameInAnalysis applies a rename to the global cast list and to every
// shot's character list, description and action. It returns the number of
// shots touched.
func RenameInAnalysis(a *models.ScriptAnalysis, oldName, newName string) (int, error) {
	k := key(oldName)
	if k == "" || key(newName) == "" {
		return 0, fmt.Errorf("%w: empty name", ErrIdentityConflict)
	}
	nk := key(newName)
	found := -1
	for i, c := range a.Characters {
		switch key(c) {
		case k:
			found = i
		case nk:
			return 0, fmt.Errorf("%w: %q already exists", ErrIdentityConflict, newName)
		}
	}
	if found < 0 {
		return 0, fmt.Errorf("%w: unknown character %q", ErrIdentityConflict, oldName)
	}
	a.Characters[found] = newName

	touched := 0
	for i := range a.Shots {
		s := &a.Shots[i]
		changed := false
		for j, c := range s.Characters {
			if key(c) == k {
				s.Characters[j] = newName
				changed = true
			}
		}
		if d := ReplaceName(s.Description, oldName, newName); d != s.Description {
			s.Description = d
			changed = true
		}
		if act := ReplaceName(s.CharacterAction, oldName, newName); act != s.CharacterAction {
			s.CharacterAction = act
			changed = true
		}
		if changed {
			touched++
		}
	}
	return touched, nil
}
