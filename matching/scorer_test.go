package matching

import (
	"strings"
	"testing"
)

func TestScore_BrandExactDominates(t *testing.T) {
	s := NewScorer(NewNormalizer())

	exact, reasons := s.Score("Old Forester Single Barrel (Barrel Proof)", "Old Forester Single Barrel", "Old Forester")
	miss, _ := s.Score("Old Forester Single Barrel (Barrel Proof)", "Wild Turkey 101", "Wild Turkey")

	if exact != 100 {
		t.Fatalf("expected exact-brand candidate to clamp at 100, got %d", exact)
	}
	if miss > 10 {
		t.Fatalf("expected unrelated candidate near zero, got %d", miss)
	}
	if exact <= miss {
		t.Fatalf("brand-exact candidate must outrank non-match: %d <= %d", exact, miss)
	}
	if !hasReason(reasons, "brand exact") {
		t.Fatalf("expected 'brand exact' reason, got %v", reasons)
	}
}

func TestScore_BrandTierOrdering(t *testing.T) {
	s := NewScorer(NewNormalizer())

	// Candidates chosen so the brand token never appears in the candidate
	// name, isolating each brand tier from token overlap.
	exact, _ := s.Score("Weller Full Proof", "Antique 107", "Weller")
	partial, _ := s.Score("Weller Full Proof", "Old Antique Batch", "Old Weller")
	inName, _ := s.Score("Weller Full Proof", "Collection Weller Edition", "")

	if exact != 100 {
		t.Fatalf("exact brand tier expected 100, got %d", exact)
	}
	if partial != 80 {
		t.Fatalf("partial brand tier expected 80, got %d", partial)
	}
	if !(exact >= partial && partial > inName) {
		t.Fatalf("brand tiers out of order: exact=%d partial=%d inName=%d", exact, partial, inName)
	}
}

func TestScore_FirstWordTier(t *testing.T) {
	s := NewScorer(NewNormalizer())
	got, reasons := s.Score("Stagg Jr Batch 15", "Stagg Barrel Proof", "")
	if got < 80 {
		t.Fatalf("candidate first word equals query brand should reach +80, got %d (%v)", got, reasons)
	}
}

func TestScore_TokenOverlapAddsToBrandScore(t *testing.T) {
	s := NewScorer(NewNormalizer())

	bare, _ := s.Score("Weller Full Proof", "Antique", "Old Weller")
	overlapping, _ := s.Score("Weller Full Proof", "Antique Full Proof", "Old Weller")

	if overlapping <= bare {
		t.Fatalf("token overlap should add on top of brand signal: %d <= %d", overlapping, bare)
	}
}

func TestScore_ShortStringPenalty(t *testing.T) {
	s := NewScorer(NewNormalizer())

	// No brand signal, partial overlap, big length mismatch: penalty applies.
	query := "Xbrandname Single Barrel Proof"
	cand := "A Very Long Completely Different Single Barrel Proof Whiskey Release Edition No 12"
	got, reasons := s.Score(query, cand, "")
	if got >= 30 {
		t.Fatalf("expected penalty to keep weak overlap low, got %d (%v)", got, reasons)
	}
	if !hasReason(reasons, "length mismatch penalty") {
		t.Fatalf("expected penalty reason, got %v", reasons)
	}
}

func TestScore_NeverNegativeNeverOver100(t *testing.T) {
	s := NewScorer(NewNormalizer())
	cases := [][3]string{
		{"abc", "zzzzzzzzzzzzzzzzzzzzzzzz", ""},
		{"Blanton's Single Barrel", "Blanton's Single Barrel", "Blanton's"},
		{"", "", ""},
	}
	for _, tc := range cases {
		got, _ := s.Score(tc[0], tc[1], tc[2])
		if got < 0 || got > 100 {
			t.Fatalf("Score(%q,%q,%q) out of range: %d", tc[0], tc[1], tc[2], got)
		}
	}
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if strings.Contains(r, want) {
			return true
		}
	}
	return false
}
