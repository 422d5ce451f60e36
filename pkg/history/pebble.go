// Package history is the backing store behind the sync engine: a Pebble
// database holding interaction records ordered by creation time, plus read
// markers, order aggregates and file rows. Committed writes are announced
// on the realtime hub after the fact, so the store is the single source of
// push events.
//
// Key layout:
//
//	conv:<id>:rec:<ts>-<seq>   interaction record (ts padded, sorts ascending)
//	latest:rec:<recID>         latest copy, for lookup by permanent id
//	file:<conv>:<fileID>       file row, attached or awaiting its parent
//	order:<id>                 conversation-level order aggregate
//	read:<viewer>:<conv>       last-read marker (ns)
package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"collabsync/pkg/logger"
	"collabsync/pkg/models"
	"collabsync/pkg/realtime"
)

var db *pebble.DB
var dbPath string

// seq separates records sharing the same nanosecond timestamp.
var seq uint64

// lastTS is the most recently assigned creation timestamp. Timestamps are
// forced strictly increasing so the pagination cursor, which is a bare
// CreatedTS, never skips a record sharing the boundary timestamp.
var lastTS int64

// wmu serializes read-modify-write of stored rows (soft delete, file
// attach); pebble batches are atomic per write but not across a load.
var wmu sync.Mutex

var hub *realtime.Hub

// nowUnique returns the current UnixNano, bumped past the previous call's
// value when the clock has not advanced.
func nowUnique() int64 {
	for {
		now := time.Now().UTC().UnixNano()
		last := atomic.LoadInt64(&lastTS)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTS, last, now) {
			return now
		}
	}
}

// Open opens (or creates) the Pebble database at path and keeps a package
// handle, mirroring simple single-store usage.
func Open(path string) error {
	var err error
	logger.Info("opening_history_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("history_open_failed", "path", path, "error", err)
		return err
	}
	dbPath = path
	return nil
}

// Close closes the database if open.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	return nil
}

// Ready reports whether the store is opened.
func Ready() bool { return db != nil }

// SetHub installs the realtime hub that committed writes announce on. May
// be nil (no push channel).
func SetHub(h *realtime.Hub) { hub = h }

// GenID returns a store-assigned permanent identifier.
func GenID(prefix string) string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	return fmt.Sprintf("%s-%d-%06d", prefix, n, s)
}

func recKey(conversationID string, ts int64, s uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:rec:%020d-%06d", conversationID, ts, s))
}

func recPrefix(conversationID string) []byte {
	return []byte("conv:" + conversationID + ":rec:")
}

func latestKey(id string) []byte { return []byte("latest:rec:" + id) }

func markerKey(viewerID, conversationID string) []byte {
	return []byte("read:" + viewerID + ":" + conversationID)
}

// storedRecord carries the creation key sequence alongside the record so
// updates can rewrite the original timeline key.
type storedRecord struct {
	models.Interaction
	Seq uint64 `json:"seq"`
}

// SaveInteraction persists a new record, assigning the permanent id and the
// server timestamp, and announces the INSERT. The confirmed record echoes
// the client temp_id so optimistic state reconciles instead of duplicating.
func SaveInteraction(rec models.Interaction) (models.Interaction, error) {
	if db == nil {
		return rec, fmt.Errorf("history not opened; call history.Open first")
	}
	if rec.ConversationID == "" {
		return rec, fmt.Errorf("missing conversation id")
	}
	if rec.Kind == "" {
		return rec, fmt.Errorf("missing interaction kind")
	}
	if rec.ID == "" {
		rec.ID = GenID("rec")
	}
	rec.CreatedTS = nowUnique()
	rec.Pending = false
	// Enrichment data is per-viewer; the stored row carries ids only.
	rec.Author = nil

	s := atomic.AddUint64(&seq, 1)
	data, err := json.Marshal(storedRecord{Interaction: rec, Seq: s})
	if err != nil {
		return rec, fmt.Errorf("marshal record: %w", err)
	}
	wb := db.NewBatch()
	_ = wb.Set(recKey(rec.ConversationID, rec.CreatedTS, s), data, nil)
	_ = wb.Set(latestKey(rec.ID), data, nil)
	if err := wb.Commit(pebble.Sync); err != nil {
		logger.Error("save_record_failed", "conversation", rec.ConversationID, "id", rec.ID, "error", err)
		return rec, err
	}
	logger.Debug("record_saved", "conversation", rec.ConversationID, "id", rec.ID, "kind", string(rec.Kind))

	publishRecord(rec, models.EventInsert)
	return rec, nil
}

// SoftDeleteMessage marks a message deleted. The record is never removed;
// both the timeline key and the latest pointer are rewritten, and the
// UPDATE is announced.
func SoftDeleteMessage(conversationID, id string) error {
	if db == nil {
		return fmt.Errorf("history not opened; call history.Open first")
	}
	wmu.Lock()
	defer wmu.Unlock()
	sr, err := loadLatest(id)
	if err != nil {
		return err
	}
	if sr.ConversationID != conversationID {
		return fmt.Errorf("record %s not in conversation %s", id, conversationID)
	}
	if !sr.Mutable() {
		return fmt.Errorf("record %s is append-only", id)
	}
	if sr.DeletedTS != 0 {
		return nil
	}
	sr.DeletedTS = time.Now().UTC().UnixNano()

	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	wb := db.NewBatch()
	_ = wb.Set(recKey(sr.ConversationID, sr.CreatedTS, sr.Seq), data, nil)
	_ = wb.Set(latestKey(id), data, nil)
	if err := wb.Commit(pebble.Sync); err != nil {
		logger.Error("soft_delete_failed", "id", id, "error", err)
		return err
	}
	publishRecord(sr.Interaction, models.EventUpdate)
	return nil
}

// GetRecord returns the latest copy of a record by permanent id.
func GetRecord(id string) (models.Interaction, error) {
	sr, err := loadLatest(id)
	if err != nil {
		return models.Interaction{}, err
	}
	return sr.Interaction, nil
}

func loadLatest(id string) (storedRecord, error) {
	var sr storedRecord
	v, closer, err := db.Get(latestKey(id))
	if err != nil {
		return sr, fmt.Errorf("record %s: %w", id, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &sr); err != nil {
		return sr, fmt.Errorf("invalid stored record %s: %w", id, err)
	}
	return sr, nil
}

func writeRecord(sr storedRecord) error {
	data, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	wb := db.NewBatch()
	_ = wb.Set(recKey(sr.ConversationID, sr.CreatedTS, sr.Seq), data, nil)
	_ = wb.Set(latestKey(sr.ID), data, nil)
	return wb.Commit(pebble.Sync)
}

// FetchPage returns one page of history strictly older than cursor, newest
// first, grouped by kind. cursor zero means "from the newest". NextCursor
// is zero when no older history remains.
func FetchPage(conversationID string, cursor int64, limit int) (models.PageResult, error) {
	var out models.PageResult
	if db == nil {
		return out, fmt.Errorf("history not opened; call history.Open first")
	}
	if limit <= 0 {
		limit = 20
	}
	prefix := recPrefix(conversationID)
	upper := append(append([]byte(nil), prefix...), 0xff)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return out, err
	}
	defer iter.Close()

	var valid bool
	if cursor > 0 {
		valid = iter.SeekLT(recKey(conversationID, cursor, 0))
	} else {
		valid = iter.Last()
	}

	n := 0
	var oldest int64
	for ; valid && n < limit; valid = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var sr storedRecord
		if err := json.Unmarshal(iter.Value(), &sr); err != nil {
			logger.Warn("fetch_invalid_record", "key", string(iter.Key()), "error", err)
			continue
		}
		switch sr.Kind {
		case models.KindActivity:
			out.Activities = append(out.Activities, sr.Interaction)
		case models.KindReview:
			out.Reviews = append(out.Reviews, sr.Interaction)
		case models.KindBriefResponse:
			out.BriefResponses = append(out.BriefResponses, sr.Interaction)
		default:
			out.Messages = append(out.Messages, sr.Interaction)
		}
		oldest = sr.CreatedTS
		n++
	}
	if err := iter.Error(); err != nil {
		return out, err
	}
	// More history remains iff the scan stopped at the limit with records
	// still below.
	if n == limit && valid && bytes.HasPrefix(iter.Key(), prefix) {
		out.NextCursor = oldest
	}
	return out, nil
}

// Marker returns the viewer's last-read timestamp, zero when never set.
func Marker(viewerID, conversationID string) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("history not opened; call history.Open first")
	}
	v, closer, err := db.Get(markerKey(viewerID, conversationID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	ts, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid marker: %w", err)
	}
	return ts, nil
}

// SetMarker stores the viewer's last-read timestamp.
func SetMarker(viewerID, conversationID string, ts int64) error {
	if db == nil {
		return fmt.Errorf("history not opened; call history.Open first")
	}
	return db.Set(markerKey(viewerID, conversationID), []byte(strconv.FormatInt(ts, 10)), pebble.Sync)
}

// GetOrder loads the order aggregate for a conversation.
func GetOrder(id string) (models.Order, error) {
	var o models.Order
	if db == nil {
		return o, fmt.Errorf("history not opened; call history.Open first")
	}
	v, closer, err := db.Get([]byte("order:" + id))
	if err != nil {
		return o, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &o); err != nil {
		return o, fmt.Errorf("invalid stored order: %w", err)
	}
	return o, nil
}

// SaveOrder stores the aggregate and announces the UPDATE.
func SaveOrder(o models.Order) error {
	if db == nil {
		return fmt.Errorf("history not opened; call history.Open first")
	}
	o.UpdatedTS = time.Now().UTC().UnixNano()
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := db.Set([]byte("order:"+o.ID), data, pebble.Sync); err != nil {
		return err
	}
	if hub != nil {
		hub.Publish(models.Event{Table: "orders", Type: models.EventUpdate, New: data},
			map[string]string{"id": o.ID})
	}
	return nil
}

// ListKeys returns all keys under prefix; an empty prefix lists everything.
// Used by the inspect tool.
func ListKeys(prefix string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("history not opened; call history.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	pfx := []byte(prefix)
	for valid := iter.SeekGE(pfx); valid; valid = iter.Next() {
		if len(pfx) > 0 && !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

func publishRecord(rec models.Interaction, kind models.EventType) {
	if hub == nil {
		return
	}
	table := ""
	switch rec.Kind {
	case models.KindMessage:
		table = "messages"
	case models.KindActivity:
		table = "activities"
	case models.KindReview:
		table = "reviews"
	default:
		// Brief responses are append-only form artifacts; they arrive via
		// the historical fetch only.
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	hub.Publish(models.Event{Table: table, Type: kind, New: data},
		map[string]string{"conversation_id": rec.ConversationID, "id": rec.ID})
}
