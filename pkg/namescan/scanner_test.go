package namescan

import (
	"testing"

	"github.com/kittclouds/worldfork/internal/store"
)

func entity(id string, kind store.Kind, name string) *store.Entity {
	return &store.Entity{ID: id, Kind: kind, Name: name}
}

func TestScanFindsMentions(t *testing.T) {
	s, err := Compile([]*store.Entity{
		entity("p1", store.KindPlace, "Dark Cave"),
		entity("o1", store.KindObject, "Silver Key"),
		entity("c1", store.KindCharacter, "Mira"),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	text := "Mira carried the Silver Key into the dark cave."
	mentions := s.Scan(text)
	if len(mentions) != 3 {
		t.Fatalf("got %d mentions, want 3: %+v", len(mentions), mentions)
	}
	if mentions[0].EntityID != "c1" || mentions[0].Text != "Mira" {
		t.Fatalf("first mention = %+v", mentions[0])
	}
	if mentions[1].EntityID != "o1" || mentions[1].Text != "Silver Key" {
		t.Fatalf("second mention = %+v", mentions[1])
	}
	if mentions[2].EntityID != "p1" || mentions[2].Text != "dark cave" {
		t.Fatalf("third mention = %+v", mentions[2])
	}
	for _, m := range mentions {
		if text[m.Start:m.End] != m.Text {
			t.Fatalf("offsets do not slice original text: %+v", m)
		}
	}
}

func TestScanCaseAndPunctuation(t *testing.T) {
	s, err := Compile([]*store.Entity{
		entity("c1", store.KindCharacter, "O'Brien"),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	// Curly apostrophe in the text, straight in the name.
	text := "They met O’Brien at dawn."
	mentions := s.Scan(text)
	if len(mentions) != 1 {
		t.Fatalf("got %d mentions, want 1: %+v", len(mentions), mentions)
	}
	if mentions[0].Text != "O’Brien" {
		t.Fatalf("mention text = %q", mentions[0].Text)
	}
}

func TestScanPrefersLongestName(t *testing.T) {
	s, err := Compile([]*store.Entity{
		entity("p1", store.KindPlace, "Dark Cave"),
		entity("p2", store.KindPlace, "Dark Cave Entrance"),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	mentions := s.Scan("She stood at the Dark Cave Entrance.")
	if len(mentions) != 1 {
		t.Fatalf("got %d mentions, want 1: %+v", len(mentions), mentions)
	}
	if mentions[0].EntityID != "p2" {
		t.Fatalf("matched %s, want the longer name", mentions[0].EntityID)
	}
}

func TestScanRespectsTokenBoundaries(t *testing.T) {
	s, err := Compile([]*store.Entity{
		entity("o1", store.KindObject, "Orb"),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if mentions := s.Scan("The light was absorbed completely."); len(mentions) != 0 {
		t.Fatalf("matched inside a word: %+v", mentions)
	}
	if mentions := s.Scan("The orb glowed."); len(mentions) != 1 {
		t.Fatalf("missed whole-word mention: %+v", mentions)
	}
}

func TestScanSharedName(t *testing.T) {
	s, err := Compile([]*store.Entity{
		entity("o1", store.KindObject, "Echo"),
		entity("c1", store.KindCharacter, "Echo"),
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	mentions := s.Scan("Echo answered.")
	if len(mentions) != 2 {
		t.Fatalf("got %d mentions, want one per entity: %+v", len(mentions), mentions)
	}
	if mentions[0].Start != mentions[1].Start {
		t.Fatalf("shared-name mentions at different spans: %+v", mentions)
	}
}

func TestScanEmptyDictionary(t *testing.T) {
	s, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if mentions := s.Scan("anything at all"); mentions != nil {
		t.Fatalf("empty scanner produced mentions: %+v", mentions)
	}
}
