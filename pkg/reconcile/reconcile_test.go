package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"collabsync/pkg/identity"
	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
)

type fakeDirectory struct {
	members map[string]models.Member
	err     error
	lookups int
}

func (d *fakeDirectory) Lookup(_ context.Context, id string) (models.Member, error) {
	d.lookups++
	if d.err != nil {
		return models.Member{}, d.err
	}
	m, ok := d.members[id]
	if !ok {
		return models.Member{}, errors.New("unknown member")
	}
	return m, nil
}

func insertEvent(t *testing.T, table string, rec any) models.Event {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal event row: %v", err)
	}
	return models.Event{Table: table, Type: models.EventInsert, New: raw}
}

func updateEvent(t *testing.T, table string, rec any) models.Event {
	t.Helper()
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal event row: %v", err)
	}
	return models.Event{Table: table, Type: models.EventUpdate, New: raw}
}

func newReconciler(dir *fakeDirectory) (*Reconciler, *pagestore.Store) {
	if dir == nil {
		dir = &fakeDirectory{members: map[string]models.Member{"u1": {ID: "u1", Name: "Dana"}}}
	}
	store := pagestore.NewStore()
	return New("c1", store, dir), store
}

func TestInsertEchoReplacesOptimisticRecord(t *testing.T) {
	r, store := newReconciler(nil)
	local := models.Interaction{TempID: "t1", Kind: models.KindMessage, Pending: true, AuthorID: "u1",
		Author: &models.Member{ID: "u1", Name: "Dana"}}
	store.UpsertRecord("c1", local, identity.ByTempID)

	echo := models.Interaction{ID: "srv-1", TempID: "t1", Kind: models.KindMessage, AuthorID: "u1", CreatedTS: 100}
	applied, err := r.Handle(context.Background(), insertEvent(t, "messages", echo))
	if err != nil || !applied {
		t.Fatalf("Handle = (%v, %v), want applied", applied, err)
	}

	pages := store.GetPages("c1")
	if len(pages[0].Records) != 1 {
		t.Fatalf("echo duplicated the optimistic record: %d records", len(pages[0].Records))
	}
	got := pages[0].Records[0]
	if got.ID != "srv-1" || got.Pending {
		t.Fatalf("record = %+v, want confirmed srv-1", got)
	}
	if got.Author == nil || got.Author.Name != "Dana" {
		t.Fatalf("author enrichment missing: %+v", got.Author)
	}
}

func TestInsertBeforeLocalUpsertStillDeduplicates(t *testing.T) {
	// push echo lands first, then the optimistic application runs: the
	// second upsert must match the confirmed record by temp_id
	r, store := newReconciler(nil)

	echo := models.Interaction{ID: "srv-1", TempID: "t1", Kind: models.KindMessage, AuthorID: "u1", CreatedTS: 100}
	if _, err := r.Handle(context.Background(), insertEvent(t, "messages", echo)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	local := models.Interaction{TempID: "t1", Kind: models.KindMessage, Pending: true}
	store.UpsertRecord("c1", local, identity.ByTempID)

	if n := len(store.GetPages("c1")[0].Records); n != 1 {
		t.Fatalf("records = %d, want 1 regardless of arrival order", n)
	}
}

func TestDeleteAppliesAcrossPages(t *testing.T) {
	r, store := newReconciler(nil)
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "new", Kind: models.KindMessage, CreatedTS: 300},
	}})
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "old", Kind: models.KindMessage, CreatedTS: 100},
	}})

	upd := models.Interaction{ID: "old", Kind: models.KindMessage, DeletedTS: 400}
	applied, err := r.Handle(context.Background(), updateEvent(t, "messages", upd))
	if err != nil || !applied {
		t.Fatalf("Handle = (%v, %v)", applied, err)
	}
	rec, _ := store.Record("c1", 1, 0)
	if rec.DeletedTS != 400 {
		t.Fatalf("older page record not updated: %+v", rec)
	}

	// replaying the same delete is a no-op
	applied, err = r.Handle(context.Background(), updateEvent(t, "messages", upd))
	if err != nil || applied {
		t.Fatalf("replay = (%v, %v), want idempotent no-op", applied, err)
	}
}

// A rollback restoring a shorter snapshot must never invalidate an update
// mid-application: the locate and replace hold one store lock.
func TestUpdateSurvivesConcurrentRollback(t *testing.T) {
	r, store := newReconciler(nil)
	full := make([]models.Interaction, 5)
	for i := range full {
		full[i] = models.Interaction{ID: "m" + string(rune('0'+i)), Kind: models.KindMessage, CreatedTS: int64(100 + i)}
	}
	store.AppendPage("c1", pagestore.Page{Records: full})
	fullSnap := store.GetPages("c1")
	shortSnap := pagestore.Pages{{Records: full[:1:1]}}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				store.Restore("c1", shortSnap)
			} else {
				store.Restore("c1", fullSnap)
			}
		}
	}()

	defer func() {
		if p := recover(); p != nil {
			t.Fatalf("update panicked under concurrent rollback: %v", p)
		}
	}()
	upd := models.Interaction{ID: "m4", Kind: models.KindMessage, DeletedTS: 900}
	ev := updateEvent(t, "messages", upd)
	for i := 0; i < 2000; i++ {
		if _, err := r.Handle(context.Background(), ev); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	close(stop)
	<-done
}

func TestUpdateForUnloadedRecordIsNoop(t *testing.T) {
	r, store := newReconciler(nil)
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "loaded", Kind: models.KindMessage, CreatedTS: 100},
	}})
	snap := store.GetPages("c1")

	upd := models.Interaction{ID: "unloaded", Kind: models.KindMessage, DeletedTS: 400}
	applied, err := r.Handle(context.Background(), updateEvent(t, "messages", upd))
	if err != nil || applied {
		t.Fatalf("Handle = (%v, %v), want dropped no-op", applied, err)
	}
	if &snap[0].Records[0] != &store.GetPages("c1")[0].Records[0] {
		t.Fatalf("no-op still produced a new page")
	}
}

func TestFileAttachesToLoadedParent(t *testing.T) {
	r, store := newReconciler(nil)
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "m1", Kind: models.KindMessage, CreatedTS: 100,
			Files: []models.Attachment{{TempID: "ft1", Name: "a.png", Uploading: true}}},
	}})

	file := models.Attachment{ID: "f1", TempID: "ft1", MessageID: "m1", Name: "a.png", URL: "https://files/a.png"}
	applied, err := r.Handle(context.Background(), insertEvent(t, "files", file))
	if err != nil || !applied {
		t.Fatalf("Handle = (%v, %v)", applied, err)
	}

	rec, _ := store.Record("c1", 0, 0)
	if len(rec.Files) != 1 {
		t.Fatalf("placeholder duplicated: %+v", rec.Files)
	}
	if rec.Files[0].ID != "f1" || rec.Files[0].Uploading || rec.Files[0].URL == "" {
		t.Fatalf("placeholder not replaced: %+v", rec.Files[0])
	}
}

func TestFileWithoutParentIsSilentNoop(t *testing.T) {
	r, store := newReconciler(nil)
	file := models.Attachment{ID: "f1", MessageID: "missing"}
	applied, err := r.Handle(context.Background(), insertEvent(t, "files", file))
	if err != nil || applied {
		t.Fatalf("Handle = (%v, %v), want silent no-op", applied, err)
	}
	if len(store.GetPages("c1")) != 0 {
		t.Fatalf("no-op created state")
	}
}

func TestActivityAndReviewInsert(t *testing.T) {
	r, store := newReconciler(nil)

	act := models.Interaction{ID: "a1", Kind: models.KindActivity, AuthorID: "u1", Field: "status", NewValue: "shipped", CreatedTS: 100}
	if applied, err := r.Handle(context.Background(), insertEvent(t, "activities", act)); err != nil || !applied {
		t.Fatalf("activity Handle = (%v, %v)", applied, err)
	}
	rev := models.Interaction{ID: "r1", Kind: models.KindReview, AuthorID: "u1", Rating: 5, CreatedTS: 200}
	if applied, err := r.Handle(context.Background(), insertEvent(t, "reviews", rev)); err != nil || !applied {
		t.Fatalf("review Handle = (%v, %v)", applied, err)
	}

	recs := store.GetPages("c1")[0].Records
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Author == nil {
			t.Fatalf("record %s not enriched", rec.ID)
		}
	}
}

func TestEnrichmentFailureDropsEvent(t *testing.T) {
	dir := &fakeDirectory{err: errors.New("directory offline")}
	r, store := newReconciler(dir)

	msg := models.Interaction{ID: "m1", Kind: models.KindMessage, AuthorID: "u9", CreatedTS: 100}
	applied, err := r.Handle(context.Background(), insertEvent(t, "messages", msg))
	if applied {
		t.Fatalf("event applied despite enrichment failure")
	}
	var ee *EnrichmentError
	if !errors.As(err, &ee) || ee.AuthorID != "u9" {
		t.Fatalf("err = %v, want EnrichmentError for u9", err)
	}
	if len(store.GetPages("c1")) != 0 {
		t.Fatalf("dropped event mutated the store")
	}
}

func TestEnrichmentReusesLoadedAuthor(t *testing.T) {
	// the directory fails, but a loaded record already carries the profile
	dir := &fakeDirectory{err: errors.New("directory offline")}
	r, store := newReconciler(dir)
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "m0", Kind: models.KindMessage, AuthorID: "u1",
			Author: &models.Member{ID: "u1", Name: "Dana"}, CreatedTS: 50},
	}})

	msg := models.Interaction{ID: "m1", Kind: models.KindMessage, AuthorID: "u1", CreatedTS: 100}
	applied, err := r.Handle(context.Background(), insertEvent(t, "messages", msg))
	if err != nil || !applied {
		t.Fatalf("Handle = (%v, %v)", applied, err)
	}
	if dir.lookups != 0 {
		t.Fatalf("remote lookup made despite loaded profile")
	}
}

func TestOrdersUpdateReplacesAggregate(t *testing.T) {
	r, _ := newReconciler(nil)
	r.SetOrder(models.Order{ID: "c1", Status: "open"})

	applied, err := r.Handle(context.Background(), updateEvent(t, "orders", models.Order{ID: "c1", Status: "closed"}))
	if err != nil || !applied {
		t.Fatalf("Handle = (%v, %v)", applied, err)
	}
	if got := r.Order(); got.Status != "closed" {
		t.Fatalf("order = %+v", got)
	}

	// an update for a different order is ignored
	applied, _ = r.Handle(context.Background(), updateEvent(t, "orders", models.Order{ID: "other", Status: "open"}))
	if applied {
		t.Fatalf("foreign order update applied")
	}
}

func TestUnknownTableAndBadFrame(t *testing.T) {
	r, _ := newReconciler(nil)
	applied, err := r.Handle(context.Background(), models.Event{Table: "nonsense", Type: models.EventInsert})
	if err != nil || applied {
		t.Fatalf("unknown table = (%v, %v), want dropped", applied, err)
	}
	if err := r.HandleFrame(context.Background(), []byte("{not json")); err != nil {
		t.Fatalf("HandleFrame must swallow decode failures, got %v", err)
	}
}
