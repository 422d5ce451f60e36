package history

import (
	"context"

	"collabsync/pkg/models"
)

// LocalAPI adapts the package-level store to the mutation and fetch
// interfaces the sync layer consumes, for processes embedding the store
// directly instead of talking to a remote backend.
type LocalAPI struct{}

// SendMessage persists the record and returns the confirmed copy with file
// rows pointed at the new permanent id.
func (LocalAPI) SendMessage(_ context.Context, msg models.Interaction) (models.Interaction, error) {
	confirmed, err := SaveInteraction(msg)
	if err != nil {
		return confirmed, err
	}
	for i := range confirmed.Files {
		confirmed.Files[i].MessageID = confirmed.ID
	}
	return confirmed, nil
}

func (LocalAPI) SoftDeleteMessage(_ context.Context, conversationID, id string) error {
	return SoftDeleteMessage(conversationID, id)
}

func (LocalAPI) CreateFiles(_ context.Context, conversationID string, files []models.Attachment) error {
	for _, f := range files {
		if _, err := SaveAttachment(conversationID, f); err != nil {
			return err
		}
	}
	return nil
}

func (LocalAPI) FetchPage(_ context.Context, conversationID string, cursor int64, limit int) (models.PageResult, error) {
	return FetchPage(conversationID, cursor, limit)
}

func (LocalAPI) FetchOrder(_ context.Context, id string) (models.Order, error) {
	return GetOrder(id)
}

func (LocalAPI) Marker(_ context.Context, viewerID, conversationID string) (int64, error) {
	return Marker(viewerID, conversationID)
}

func (LocalAPI) SetMarker(_ context.Context, viewerID, conversationID string, ts int64) error {
	return SetMarker(viewerID, conversationID, ts)
}
