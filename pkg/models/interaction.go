package models

// Kind discriminates the interaction variants that share one feed.
type Kind string

const (
	KindMessage       Kind = "message"
	KindActivity      Kind = "activity"
	KindReview        Kind = "review"
	KindBriefResponse Kind = "brief_response"
)

// Visibility controls who may see a message in the aggregated feed.
type Visibility string

const (
	VisibilityPublic         Visibility = "public"
	VisibilityInternalAgency Visibility = "internal_agency"
)

// Member is a directory entry for a user referenced by interactions.
type Member struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	PictureURL string `json:"picture_url,omitempty"`
}

// Attachment is a file record hanging off a message. TempID is the
// client-generated key used to match an optimistic attachment against the
// confirmed file row.
type Attachment struct {
	ID        string `json:"id,omitempty"`
	TempID    string `json:"temp_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
	// Uploading marks an optimistic attachment whose confirmed file row has
	// not arrived yet.
	Uploading bool `json:"uploading,omitempty"`
}

// Interaction is a single record in a conversation feed: a chat message, an
// order activity, a review, or a brief response. It is a flat struct with a
// Kind tag; only the fields for the tagged variant are populated.
//
// ID is assigned by the backing store and stays empty until the write is
// acknowledged. TempID is client-generated and is the stable join key across
// the optimistic-to-confirmed transition. Timestamps are UTC nanoseconds;
// DeletedTS zero means the record is live.
type Interaction struct {
	ID             string `json:"id,omitempty"`
	TempID         string `json:"temp_id,omitempty"`
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversation_id"`
	AuthorID       string `json:"author_id,omitempty"`
	// Author is enrichment data resolved from the member directory; it is
	// not part of the stored row.
	Author    *Member `json:"author,omitempty"`
	CreatedTS int64   `json:"created_ts"`
	DeletedTS int64   `json:"deleted_ts,omitempty"`
	// Pending is true on a locally synthesized record until the realtime
	// confirmation reconciles it. Cleared only by the reconciler.
	Pending bool `json:"pending,omitempty"`

	// message
	Content    string       `json:"content,omitempty"`
	Visibility Visibility   `json:"visibility,omitempty"`
	Files      []Attachment `json:"files,omitempty"`

	// activity
	Field    string `json:"field,omitempty"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`

	// review
	Rating int `json:"rating,omitempty"`

	// brief response
	Answers map[string]string `json:"answers,omitempty"`
}

// Deleted reports whether the record carries a soft-delete marker.
func (i Interaction) Deleted() bool { return i.DeletedTS != 0 }

// Mutable reports whether the variant accepts edits or deletes. Brief
// responses are append-only.
func (i Interaction) Mutable() bool { return i.Kind != KindBriefResponse }

// Order is the conversation-level aggregate for order feeds. It is not part
// of the paginated interaction stream; realtime UPDATE events replace it
// wholesale by identity.
type Order struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status,omitempty"`
	Priority  string `json:"priority,omitempty"`
	UpdatedTS int64  `json:"updated_ts,omitempty"`
}
