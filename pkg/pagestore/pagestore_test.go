package pagestore

import (
	"reflect"
	"testing"

	"collabsync/pkg/identity"
	"collabsync/pkg/models"
)

func rec(id, tempID string, ts int64) models.Interaction {
	return models.Interaction{ID: id, TempID: tempID, Kind: models.KindMessage, CreatedTS: ts}
}

func TestAppendPageAndNextCursor(t *testing.T) {
	s := NewStore()
	if got := s.GetPages("c1").NextCursor(); got != 0 {
		t.Fatalf("empty store cursor = %d, want 0", got)
	}

	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300)}, NextCursor: 300})
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("b", "", 200)}, NextCursor: 200})
	pages := s.GetPages("c1")
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if got := pages.NextCursor(); got != 200 {
		t.Fatalf("cursor = %d, want oldest page cursor 200", got)
	}

	// a final page with cursor zero ends pagination
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("c", "", 100)}})
	if got := s.GetPages("c1").NextCursor(); got != 0 {
		t.Fatalf("cursor = %d, want 0 after final page", got)
	}
}

func TestUpsertReplacesInPlace(t *testing.T) {
	s := NewStore()
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300), {TempID: "t1", Pending: true, Kind: models.KindMessage}}})
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("b", "", 200)}})

	confirmed := rec("srv-1", "t1", 310)
	s.UpsertRecord("c1", confirmed, identity.ByTempID)

	pages := s.GetPages("c1")
	if len(pages[0].Records) != 2 {
		t.Fatalf("page 0 grew to %d records, want in-place replace", len(pages[0].Records))
	}
	got := pages[0].Records[1]
	if got.ID != "srv-1" || got.Pending {
		t.Fatalf("record not replaced: %+v", got)
	}
}

func TestUpsertUnmatchedAppendsToPageZero(t *testing.T) {
	s := NewStore()
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300)}})
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("b", "", 200)}})

	s.UpsertRecord("c1", rec("new", "", 400), identity.ByID)
	pages := s.GetPages("c1")
	if len(pages[0].Records) != 2 {
		t.Fatalf("page 0 has %d records, want 2", len(pages[0].Records))
	}
	if len(pages[1].Records) != 1 {
		t.Fatalf("older page changed; has %d records", len(pages[1].Records))
	}
}

func TestUpsertCreatesPageZeroWhenEmpty(t *testing.T) {
	s := NewStore()
	s.UpsertRecord("c1", rec("x", "", 1), identity.ByID)
	pages := s.GetPages("c1")
	if len(pages) != 1 || len(pages[0].Records) != 1 {
		t.Fatalf("expected single page with one record, got %+v", pages)
	}
}

func TestStructuralSharing(t *testing.T) {
	s := NewStore()
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300)}})
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("b", "", 200)}})
	before := s.GetPages("c1")

	after := s.ReplacePage("c1", 0, []models.Interaction{rec("a2", "", 300)})

	// the untouched page is the same backing array, not a copy
	if &before[1].Records[0] != &after[1].Records[0] {
		t.Fatalf("untouched page was copied")
	}
	// the snapshot held before the mutation still shows the old record
	if before[0].Records[0].ID != "a" {
		t.Fatalf("captured snapshot mutated: %+v", before[0].Records[0])
	}
}

func TestRestoreRewindsSnapshot(t *testing.T) {
	s := NewStore()
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300)}})
	snap := s.GetPages("c1")

	s.UpsertRecord("c1", rec("", "t1", 400), identity.ByTempID)
	if len(s.GetPages("c1")[0].Records) != 2 {
		t.Fatalf("optimistic insert missing")
	}

	s.Restore("c1", snap)
	if !reflect.DeepEqual(s.GetPages("c1"), snap) {
		t.Fatalf("restore did not rewind to captured snapshot")
	}
}

func TestUpdateRecordRewritesInPlace(t *testing.T) {
	s := NewStore()
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300)}, NextCursor: 300})
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("b", "", 200), rec("c", "", 150)}})
	before := s.GetPages("c1")

	_, found, applied := s.UpdateRecord("c1", func(r models.Interaction) bool { return r.ID == "c" },
		func(r models.Interaction) (models.Interaction, bool) {
			r.DeletedTS = 900
			return r, true
		})
	if !found || !applied {
		t.Fatalf("UpdateRecord = (found=%v, applied=%v), want (true, true)", found, applied)
	}
	pages := s.GetPages("c1")
	if pages[1].Records[1].DeletedTS != 900 {
		t.Fatalf("record not rewritten: %+v", pages[1].Records[1])
	}
	// untouched page is shared, captured snapshot unchanged
	if &before[0].Records[0] != &pages[0].Records[0] {
		t.Fatalf("untouched page was copied")
	}
	if before[1].Records[1].DeletedTS != 0 {
		t.Fatalf("captured snapshot mutated")
	}

	_, found, applied = s.UpdateRecord("c1", func(r models.Interaction) bool { return r.ID == "a" },
		func(r models.Interaction) (models.Interaction, bool) { return r, false })
	if !found || applied {
		t.Fatalf("declined apply = (found=%v, applied=%v), want (true, false)", found, applied)
	}
	_, found, _ = s.UpdateRecord("c1", func(r models.Interaction) bool { return r.ID == "zzz" },
		func(r models.Interaction) (models.Interaction, bool) { return r, true })
	if found {
		t.Fatalf("matched a record that does not exist")
	}
}

func TestFindScansAllPages(t *testing.T) {
	s := NewStore()
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("a", "", 300)}})
	s.AppendPage("c1", Page{Records: []models.Interaction{rec("b", "", 200), rec("c", "", 150)}})

	pi, ri, ok := s.Find("c1", func(r models.Interaction) bool { return r.ID == "c" })
	if !ok || pi != 1 || ri != 1 {
		t.Fatalf("find = (%d,%d,%v), want (1,1,true)", pi, ri, ok)
	}
	if _, _, ok := s.Find("c1", func(r models.Interaction) bool { return r.ID == "zzz" }); ok {
		t.Fatalf("found a record that does not exist")
	}
}
