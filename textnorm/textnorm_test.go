package textnorm

import "testing"

func TestContainsWord(t *testing.T) {
	cases := []struct {
		text, word string
		want       bool
	}{
		{"Mira walks into the shop", "mira", true},
		{"MIRA WALKS", "Mira", true},
		{"Miranda walks", "Mira", false},
		{"Kamira walks", "Mira", false},
		{"Then, Mira.", "Mira", true},
		{"mira chen waves", "Mira  Chen", true},
		{"anything", "", false},
		{"Ärger mit Öl", "öl", true},
	}
	for _, tc := range cases {
		if got := ContainsWord(tc.text, tc.word); got != tc.want {
			t.Fatalf("ContainsWord(%q, %q) got %v want %v", tc.text, tc.word, got, tc.want)
		}
	}
}

func TestIndexWordSkipsPartialMatches(t *testing.T) {
	if got := IndexWord("miranda and mira", "mira"); got != 12 {
		t.Fatalf("IndexWord got %d want 12", got)
	}
}

func TestIndexWordIgnoresWhitespaceRuns(t *testing.T) {
	if !ContainsWord("then Mary  Jane\tleaves", "Mary Jane") {
		t.Fatal("double space in text prevented a match")
	}
	if !ContainsWord("then Mary Jane leaves", "Mary   Jane") {
		t.Fatal("double space in word prevented a match")
	}
	if ContainsWord("then Mary Janet leaves", "Mary Jane") {
		t.Fatal("partial word matched")
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  A   Woman\tWalks \n"); got != "a woman walks" {
		t.Fatalf("Normalize got %q", got)
	}
}

func TestReplaceWord(t *testing.T) {
	got := ReplaceWord("Mira meets MIRA's friend, not Miranda.", "mira", "Lena")
	want := "Lena meets Lena's friend, not Miranda."
	if got != want {
		t.Fatalf("ReplaceWord got %q want %q", got, want)
	}
	if got := ReplaceWord("nothing here", "mira", "x"); got != "nothing here" {
		t.Fatalf("ReplaceWord without match got %q", got)
	}
}

func TestRemovePhrase(t *testing.T) {
	if got := Collapse(RemovePhrase("a cute fox, cute-ish", "cute")); got != "a fox, -ish" {
		t.Fatalf("RemovePhrase got %q", got)
	}
}

func TestWords(t *testing.T) {
	got := Words("Fade to BLACK.")
	if len(got) != 3 || got[0] != "fade" || got[2] != "black" {
		t.Fatalf("Words got %v", got)
	}
}
