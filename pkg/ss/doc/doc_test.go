package doc

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		name string
		text string
		want [][]string
	}{
		{
			name: "simple sentence",
			text: "Hello world.",
			want: [][]string{{"Hello", "world."}, nil},
		},
		{
			name: "no trailing delimiter",
			text: "Hello world",
			want: [][]string{{"Hello", "world"}},
		},
		{
			name: "two sentences",
			text: "Hi there. Bye now!",
			want: [][]string{{"Hi", "there."}, {"Bye", "now!"}, nil},
		},
		{
			name: "lone delimiter",
			text: ".",
			want: [][]string{{"."}, nil},
		},
		{
			name: "delimiter after space attaches to last token",
			text: "abc .",
			want: [][]string{{"abc."}, nil},
		},
		{
			name: "mixed whitespace collapses",
			text: "a\tb\r\nc",
			want: [][]string{{"a", "b", "c"}},
		},
		{
			name: "consecutive delimiters",
			text: "a.. b",
			want: [][]string{{"a."}, {"."}, {"b"}},
		},
		{
			name: "empty text",
			text: "",
			want: [][]string{nil},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Tokenize(tc.text)
			if !reflect.DeepEqual(got.Sentences, tc.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tc.text, got.Sentences, tc.want)
			}
		})
	}
}

func TestComposeRoundTrip(t *testing.T) {
	// Round-trips modulo whitespace normalization: internal runs collapse to
	// single spaces, delimiters stay glued to their token.
	cases := []struct {
		text string
		want string
	}{
		{"Hello world.", "Hello world."},
		{"Hello   world.", "Hello world."},
		{"Hi there. Bye now!", "Hi there. Bye now!"},
		{"one two three", "one two three"},
		{"a.. b", "a. . b"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := Tokenize(tc.text).Compose(); got != tc.want {
			t.Errorf("compose(tokenize(%q)) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestInsertBefore(t *testing.T) {
	d := Tokenize("x world.")
	if !d.Insert(0, 0, "Hello") {
		t.Fatal("Insert failed")
	}
	if got := d.Compose(); got != "Hello x world." {
		t.Errorf("compose = %q, want %q", got, "Hello x world.")
	}
}

func TestInsertAppendBasic(t *testing.T) {
	d := Tokenize("")
	if !d.Insert(0, 0, "Hello") {
		t.Fatal("Insert Hello failed")
	}
	if !d.Insert(0, 1, "world") {
		t.Fatal("Insert world failed")
	}
	if !d.Insert(0, 2, ".") {
		t.Fatal("Insert . failed")
	}
	if got := d.Compose(); got != "Hello world." {
		t.Errorf("compose = %q, want %q", got, "Hello world.")
	}
}

func TestInsertLoneDelimiterAttaches(t *testing.T) {
	d := Tokenize("hi")
	if !d.Insert(0, 1, "!") {
		t.Fatal("Insert failed")
	}
	if got := d.Sentences[0]; !reflect.DeepEqual(got, []string{"hi!"}) {
		t.Errorf("sentence = %v, want [hi!]", got)
	}
}

func TestInsertDelimiterMigration(t *testing.T) {
	// Appending after a terminated sentence moves the delimiter to the new
	// last token.
	d := Tokenize("a.")
	if !d.Insert(0, 1, "b") {
		t.Fatal("Insert failed")
	}
	if got := d.Compose(); got != "a b." {
		t.Errorf("compose = %q, want %q", got, "a b.")
	}
}

func TestInsertDelimiterMigrationMultiToken(t *testing.T) {
	d := Tokenize("a.")
	if !d.Insert(0, 1, "b c") {
		t.Fatal("Insert failed")
	}
	if got := d.Compose(); got != "a b c." {
		t.Errorf("compose = %q, want %q", got, "a b c.")
	}
}

func TestInsertMultipleTokensSplice(t *testing.T) {
	d := Tokenize("a d")
	if !d.Insert(0, 1, "b c") {
		t.Fatal("Insert failed")
	}
	if got := d.Sentences[0]; !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("sentence = %v", got)
	}
}

func TestInsertRejects(t *testing.T) {
	d := Tokenize("a b")
	if d.Insert(0, 3, "x") {
		t.Error("Insert accepted index past append position")
	}
	if d.Insert(0, -1, "x") {
		t.Error("Insert accepted negative index")
	}
	if d.Insert(1, 0, "x") {
		t.Error("Insert accepted out-of-range sentence")
	}
	if d.Insert(0, 0, "  ") {
		t.Error("Insert accepted whitespace-only content")
	}
}

func TestGrowAndSetSentence(t *testing.T) {
	d := Tokenize("first.")
	d.Grow(3)
	if d.Len() != 4 {
		t.Fatalf("Len = %d, want 4", d.Len())
	}
	d.SetSentence(3, []string{"last."})
	if got := d.Compose(); got != "first. last." {
		t.Errorf("compose = %q, want %q", got, "first. last.")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := Tokenize("a b.")
	c := d.Clone()
	c.Sentences[0][0] = "z"
	if d.Sentences[0][0] != "a" {
		t.Error("Clone shares sentence storage with the original")
	}
}

func TestWords(t *testing.T) {
	got := Words("  Hello  world.\nBye ")
	if !reflect.DeepEqual(got, []string{"Hello", "world.", "Bye"}) {
		t.Errorf("Words = %v", got)
	}
}
