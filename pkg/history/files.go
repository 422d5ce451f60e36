package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"collabsync/pkg/logger"
	"collabsync/pkg/models"
	"collabsync/pkg/telemetry"
)

// storedAttachment wraps a file row with attachment state. A file whose
// message is not yet stored stays unattached until the sweep or a later
// save re-links it.
type storedAttachment struct {
	models.Attachment
	ConversationID string `json:"conversation_id"`
	SavedTS        int64  `json:"saved_ts"`
	AttachedTS     int64  `json:"attached_ts,omitempty"`
}

func fileKey(conversationID, fileID string) []byte {
	return []byte("file:" + conversationID + ":" + fileID)
}

// SaveAttachment stores a file row and, when its parent message already
// exists, merges it into the message's file list. The INSERT is announced
// either way; subscribers that cannot find the parent drop it and the row
// is re-announced once the parent lands.
func SaveAttachment(conversationID string, att models.Attachment) (models.Attachment, error) {
	if db == nil {
		return att, fmt.Errorf("history not opened; call history.Open first")
	}
	if att.ID == "" {
		att.ID = GenID("file")
	}
	att.Uploading = false

	sa := storedAttachment{Attachment: att, ConversationID: conversationID, SavedTS: time.Now().UTC().UnixNano()}
	if att.MessageID != "" {
		if attached, err := attachToParent(att); err == nil && attached {
			sa.AttachedTS = time.Now().UTC().UnixNano()
		}
	}
	data, err := json.Marshal(sa)
	if err != nil {
		return att, fmt.Errorf("marshal file: %w", err)
	}
	if err := db.Set(fileKey(conversationID, att.ID), data, pebble.Sync); err != nil {
		logger.Error("save_file_failed", "conversation", conversationID, "file", att.ID, "error", err)
		return att, err
	}
	publishFile(conversationID, att)
	return att, nil
}

// attachToParent merges the file into its parent message's Files, matching
// by temp_id first so an optimistic placeholder is replaced rather than
// duplicated. Returns false when the parent is not stored yet. Holds wmu
// across the load and write so concurrent attaches (or a racing soft
// delete) never lose a file from the list.
func attachToParent(att models.Attachment) (bool, error) {
	wmu.Lock()
	defer wmu.Unlock()
	sr, err := loadLatest(att.MessageID)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	replaced := false
	for i, f := range sr.Files {
		if (att.TempID != "" && f.TempID == att.TempID) || f.ID == att.ID {
			sr.Files[i] = att
			replaced = true
			break
		}
	}
	if !replaced {
		sr.Files = append(sr.Files, att)
	}
	if err := writeRecord(sr); err != nil {
		return false, err
	}
	return true, nil
}

func publishFile(conversationID string, att models.Attachment) {
	if hub == nil {
		return
	}
	data, err := json.Marshal(att)
	if err != nil {
		return
	}
	hub.Publish(models.Event{Table: "files", Type: models.EventInsert, New: data},
		map[string]string{"conversation_id": conversationID, "message_id": att.MessageID})
}

// SweepOrphans walks stored files and re-links any unattached file whose
// parent message has since landed, re-announcing its INSERT. Files older
// than maxAge with no parent are counted as orphans. dryRun reports counts
// without writing.
func SweepOrphans(maxAge time.Duration, dryRun bool) (reattached, orphans int, err error) {
	if db == nil {
		return 0, 0, fmt.Errorf("history not opened; call history.Open first")
	}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	now := time.Now().UTC().UnixNano()
	pfx := []byte("file:")
	for valid := iter.SeekGE(pfx); valid; valid = iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		var sa storedAttachment
		if uerr := json.Unmarshal(iter.Value(), &sa); uerr != nil {
			logger.Warn("sweep_invalid_file", "key", string(iter.Key()), "error", uerr)
			continue
		}
		if sa.AttachedTS != 0 {
			continue
		}
		if sa.MessageID != "" {
			attached := false
			if !dryRun {
				if ok, aerr := attachToParent(sa.Attachment); aerr == nil && ok {
					attached = true
				}
			} else if _, lerr := loadLatest(sa.MessageID); lerr == nil {
				attached = true
			}
			if attached {
				reattached++
				if !dryRun {
					sa.AttachedTS = now
					if data, merr := json.Marshal(sa); merr == nil {
						_ = db.Set(append([]byte(nil), iter.Key()...), data, pebble.Sync)
					}
					publishFile(sa.ConversationID, sa.Attachment)
				}
				continue
			}
		}
		if maxAge > 0 && now-sa.SavedTS > int64(maxAge) {
			orphans++
		}
	}
	if err := iter.Error(); err != nil {
		return reattached, orphans, err
	}
	telemetry.SweepOrphans.Set(float64(orphans))
	telemetry.SweepReattached.Add(float64(reattached))
	logger.Info("file_sweep", "reattached", reattached, "orphans", orphans, "dry_run", dryRun)
	return reattached, orphans, nil
}
