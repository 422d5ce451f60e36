package optimistic

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"collabsync/pkg/identity"
	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
)

type fakeAPI struct {
	sendErr   error
	deleteErr error
	filesErr  error

	sent    []models.Interaction
	deleted []string
	files   []models.Attachment
}

func (f *fakeAPI) SendMessage(_ context.Context, msg models.Interaction) (models.Interaction, error) {
	if f.sendErr != nil {
		return models.Interaction{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	confirmed := msg
	confirmed.ID = "srv-1"
	confirmed.Pending = false
	for i := range confirmed.Files {
		confirmed.Files[i].ID = "f-1"
		confirmed.Files[i].MessageID = confirmed.ID
	}
	return confirmed, nil
}

func (f *fakeAPI) SoftDeleteMessage(_ context.Context, _, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) CreateFiles(_ context.Context, _ string, files []models.Attachment) error {
	if f.filesErr != nil {
		return f.filesErr
	}
	f.files = append(f.files, files...)
	return nil
}

func newCoord(api API) (*Coordinator, *pagestore.Store) {
	store := pagestore.NewStore()
	viewer := models.Member{ID: "u1", Name: "Dana"}
	return NewCoordinator(store, api, viewer, 100, 100), store
}

func TestSendMessageAppliesBeforeConfirm(t *testing.T) {
	c, store := newCoord(&fakeAPI{})
	rec, err := c.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if rec.TempID == "" || !rec.Pending {
		t.Fatalf("local record not pending with temp id: %+v", rec)
	}
	if rec.AuthorID != "u1" || rec.Author == nil || rec.Author.Name != "Dana" {
		t.Fatalf("local record not attributed to viewer: %+v", rec)
	}

	pages := store.GetPages("c1")
	if len(pages) != 1 || len(pages[0].Records) != 1 {
		t.Fatalf("optimistic record not in page store: %+v", pages)
	}
	if got := pages[0].Records[0]; got.TempID != rec.TempID || !got.Pending {
		t.Fatalf("stored record = %+v", got)
	}
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	api := &fakeAPI{sendErr: errors.New("network down")}
	c, store := newCoord(api)

	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "old", Kind: models.KindMessage, CreatedTS: 10},
	}})
	snap := store.GetPages("c1")

	_, err := c.SendMessage(context.Background(), SendInput{ConversationID: "c1", Content: "boom"})
	var we *WriteError
	if !errors.As(err, &we) || we.Op != "send" {
		t.Fatalf("err = %v, want send WriteError", err)
	}
	if !reflect.DeepEqual(store.GetPages("c1"), snap) {
		t.Fatalf("store not identical to pre-send snapshot after rollback")
	}
}

func TestSendMessageForwardsConfirmedFiles(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newCoord(api)

	_, err := c.SendMessage(context.Background(), SendInput{
		ConversationID: "c1",
		Content:        "with attachment",
		Files:          []models.Attachment{{Name: "a.png"}},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(api.files) != 1 || api.files[0].MessageID != "srv-1" {
		t.Fatalf("files follow-up = %+v, want one record pointing at srv-1", api.files)
	}
	if api.files[0].TempID == "" {
		t.Fatalf("file lost its temp id: %+v", api.files[0])
	}
}

func TestSendMessageFileFailureDoesNotRollBack(t *testing.T) {
	api := &fakeAPI{filesErr: errors.New("files table down")}
	c, store := newCoord(api)

	_, err := c.SendMessage(context.Background(), SendInput{
		ConversationID: "c1",
		Content:        "msg survives",
		Files:          []models.Attachment{{Name: "a.png"}},
	})
	if err != nil {
		t.Fatalf("message write must succeed despite file failure: %v", err)
	}
	if len(store.GetPages("c1")[0].Records) != 1 {
		t.Fatalf("message missing from store after file failure")
	}
}

func TestDeleteMessage(t *testing.T) {
	api := &fakeAPI{}
	c, store := newCoord(api)
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "m1", Kind: models.KindMessage, CreatedTS: 10},
	}})

	if err := c.DeleteMessage(context.Background(), "c1", "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	rec, _ := store.Record("c1", 0, 0)
	if !rec.Deleted() {
		t.Fatalf("record not marked deleted: %+v", rec)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "m1" {
		t.Fatalf("api delete calls = %v", api.deleted)
	}
}

func TestDeleteMessageRollsBackOnFailure(t *testing.T) {
	api := &fakeAPI{deleteErr: errors.New("conflict")}
	c, store := newCoord(api)
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "m1", Kind: models.KindMessage, CreatedTS: 10},
	}})
	snap := store.GetPages("c1")

	err := c.DeleteMessage(context.Background(), "c1", "m1")
	var we *WriteError
	if !errors.As(err, &we) || we.Op != "delete" {
		t.Fatalf("err = %v, want delete WriteError", err)
	}
	if !reflect.DeepEqual(store.GetPages("c1"), snap) {
		t.Fatalf("delete not rolled back")
	}
}

func TestDeleteMessageGuards(t *testing.T) {
	c, store := newCoord(&fakeAPI{})
	store.AppendPage("c1", pagestore.Page{Records: []models.Interaction{
		{ID: "br1", Kind: models.KindBriefResponse, CreatedTS: 10},
	}})

	if err := c.DeleteMessage(context.Background(), "c1", "br1"); !errors.Is(err, ErrImmutable) {
		t.Fatalf("err = %v, want ErrImmutable", err)
	}
	if err := c.DeleteMessage(context.Background(), "c1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// an empty id must not match a pending record, whose ID is still empty
	store.UpsertRecord("c1", models.Interaction{TempID: "t1", Kind: models.KindMessage, Pending: true}, identity.ByTempID)
	if err := c.DeleteMessage(context.Background(), "c1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for empty id", err)
	}
	rec, _ := store.Record("c1", 0, 1)
	if rec.Deleted() {
		t.Fatalf("pending record was deleted by empty id: %+v", rec)
	}
}

func TestBuildOptimisticRecordDefaults(t *testing.T) {
	viewer := models.Member{ID: "u1"}
	rec := BuildOptimisticRecord(models.KindMessage, SendInput{
		ConversationID: "c1",
		Content:        "hi",
		Files:          []models.Attachment{{Name: "a.png"}},
	}, viewer)

	if rec.Visibility != models.VisibilityPublic {
		t.Fatalf("visibility = %q, want public default", rec.Visibility)
	}
	if len(rec.Files) != 1 || !rec.Files[0].Uploading || rec.Files[0].TempID == "" {
		t.Fatalf("file placeholder = %+v", rec.Files[0])
	}
	if rec.CreatedTS == 0 {
		t.Fatalf("missing provisional timestamp")
	}
}
