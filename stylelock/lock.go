// Package stylelock rewrites generated image prompts into a project's
// locked visual style.
package stylelock

import (
	"regexp"
	"sort"
	"strings"

	"VideoAgent-server/textnorm"
)

// Subjective adjectives the text model likes to add.
var aestheticWords = []string{
	"adorable", "beautiful", "gorgeous", "stunning", "majestic", "cute",
	"lovely", "pretty", "charming", "magnificent", "breathtaking", "elegant",
	"exquisite", "amazing", "awesome", "epic", "whimsical", "dreamy",
	"kawaii", "chibi", "handsome", "glamorous", "enchanting", "fluffy",
}

// Rendering and medium vocabulary.
var styleWords = []string{
	"digital art", "digital painting", "concept art", "oil painting",
	"watercolor painting", "watercolor", "3d render", "3d rendered", "3d rendering",
	"octane render", "unreal engine", "cel shaded", "cel-shaded", "comic book style",
	"comic book", "graphic novel", "pixar style", "disney style", "studio ghibli style",
	"studio ghibli", "anime style", "manga style", "cartoon style", "art style",
	"trending on artstation", "artstation", "photorealistic", "hyperrealistic",
	"hyper-realistic", "realistic", "photograph", "photography", "photo",
	"illustration", "illustrated", "drawing", "drawn", "painting", "painted",
	"sketch", "anime", "manga", "cartoon", "cartoonish", "animated", "animation",
	"stylized", "cgi", "render", "rendered", "pixar", "disney", "dreamworks",
}

// vocabulary sorted longest first so phrases go before their words
var vocabulary = func() []string {
	all := append(append([]string{}, styleWords...), aestheticWords...)
	sort.SliceStable(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })
	return all
}()

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([,.;:!?])`)
	repeatedPunct    = regexp.MustCompile(`([,;:])(\s*[,;:])+`)
	emptyParens      = regexp.MustCompile(`\(\s*\)`)
)

// Clean removes aesthetic and style vocabulary from prompt and tidies the
// punctuation left behind.
func Clean(prompt string) string {
	s := prompt
	for _, w := range vocabulary {
		s = textnorm.RemovePhrase(s, w)
	}
	return tidy(s)
}

func tidy(s string) string {
	s = emptyParens.ReplaceAllString(s, "")
	s = textnorm.Collapse(s)
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = repeatedPunct.ReplaceAllString(s, "$1")
	return strings.Trim(s, " ,;:")
}

// Lock rewrites a raw prompt and its negative prompt into the profile's
// style. Locking an already locked prompt returns it unchanged.
func Lock(rawPrompt, negativePrompt string, p Profile) (prompt, negative string) {
	body := strings.TrimSpace(rawPrompt)
	body = trimPrefixFold(body, p.Prefix)
	body = trimSuffixFold(strings.TrimRight(body, " ,"), p.Suffix)
	body = Clean(body)

	switch {
	case body == "" && p.Suffix == "":
		prompt = p.Prefix
	case body == "":
		prompt = p.Prefix + ", " + p.Suffix
	case p.Suffix == "":
		prompt = strings.TrimSpace(p.Prefix + " " + body)
	default:
		prompt = strings.TrimSpace(p.Prefix+" "+body) + ", " + p.Suffix
	}
	return prompt, MergeNegative(negativePrompt, p.NegativeTerms)
}

// Lock applies the profile to a prompt pair.
func (p Profile) Lock(rawPrompt, negativePrompt string) (string, string) {
	return Lock(rawPrompt, negativePrompt, p)
}

// MergeNegative appends each term not already contained in negative.
func MergeNegative(negative string, terms []string) string {
	out := tidy(negative)
	folded := textnorm.Fold(out)
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		ft := textnorm.Fold(t)
		if strings.Contains(folded, ft) {
			continue
		}
		if out == "" {
			out = t
		} else {
			out += ", " + t
		}
		folded += ", " + ft
	}
	return out
}

func trimPrefixFold(s, prefix string) string {
	if prefix == "" || len(s) < len(prefix) {
		return s
	}
	if strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return s
}

func trimSuffixFold(s, suffix string) string {
	if suffix == "" || len(s) < len(suffix) {
		return s
	}
	if strings.EqualFold(s[len(s)-len(suffix):], suffix) {
		return strings.TrimRight(s[:len(s)-len(suffix)], " ,")
	}
	return s
}
