package models

import (
	"sort"
	"testing"
)

func TestReviewSessionExclusion(t *testing.T) {
	s := NewReviewSession()

	s.MarkSkipped(10)
	s.MarkSkipped(11)
	s.MarkResolved(20)

	got := s.ExcludedIds()
	sort.Ints(got)
	want := []int{10, 11, 20}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestReviewSessionResolveWinsOverSkip(t *testing.T) {
	s := NewReviewSession()
	s.MarkSkipped(7)
	s.MarkResolved(7)

	if s.SkippedIds[7] {
		t.Fatalf("resolved id must leave the skipped set")
	}
	if !s.ResolvedIds[7] {
		t.Fatalf("resolved id missing from resolved set")
	}
	if got := s.ExcludedIds(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("expected excluded ids [7], got %v", got)
	}
}

func TestReviewSessionIdempotentMarks(t *testing.T) {
	s := NewReviewSession()
	s.MarkSkipped(3)
	s.MarkSkipped(3)
	s.MarkResolved(4)
	s.MarkResolved(4)

	if len(s.ExcludedIds()) != 2 {
		t.Fatalf("expected 2 excluded ids, got %v", s.ExcludedIds())
	}
}
