package store_test

import (
	"testing"

	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestParseSortOrder(t *testing.T) {
	for in, want := range map[string]store.SortOrder{"": store.SortInsertion, "asc": store.SortInsertion, "DESC": store.SortNewestFirst} {
		got, ok := store.ParseSortOrder(in)
		if !ok || got != want {
			t.Fatalf("ParseSortOrder(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := store.ParseSortOrder("sideways"); ok {
		t.Fatalf("expected invalid order to be rejected")
	}
}
