package models

import "time"

// ArticleStatus is the shared triage lifecycle state of a news item.
type ArticleStatus string

const (
	StatusNew        ArticleStatus = "NEW"
	StatusRead       ArticleStatus = "READ"
	StatusInProgress ArticleStatus = "IN_PROGRESS"
	StatusComplete   ArticleStatus = "COMPLETE"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s ArticleStatus) Valid() bool {
	switch s {
	case StatusNew, StatusRead, StatusInProgress, StatusComplete:
		return true
	}
	return false
}

// Article is one security news item pulled from the external feed.
// ExternalID is feed-assigned and globally unique (e.g. "hn_41234567").
type Article struct {
	ExternalID  string        `json:"externalId"`
	Source      string        `json:"source"`
	Title       string        `json:"title"`
	URL         string        `json:"url"`
	PublishTime time.Time     `json:"publishTime"`
	Status      ArticleStatus `json:"status"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
	ReadBy      string        `json:"readBy,omitempty"`
	AssignedTo  string        `json:"assignedTo,omitempty"`
	LockedBy    string        `json:"lockedBy,omitempty"`
	LockedAt    *time.Time    `json:"lockedAt,omitempty"`
	IsDeleted   bool          `json:"isDeleted"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
	ContentText string        `json:"contentText,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ArticleFilter narrows article listings.
type ArticleFilter struct {
	Statuses        []ArticleStatus
	TitleContains   string
	AssignedTo      string
	PublishedAfter  time.Time
	PublishedBefore time.Time
	IncludeDeleted  bool
	Limit           int
}

// ArticleEnrichment is the structured extraction produced by the LLM
// from a fetched article body.
type ArticleEnrichment struct {
	Summary   string   `json:"aiSummary"`
	Behaviors []string `json:"extractedBehaviors"`
	Tools     []string `json:"observedTools"`
}
