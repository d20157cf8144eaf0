package models

// BatchRequest is a submission for badge processing, arriving from the
// REST API or from a schedule. The creator validates it, decides the
// processing method and priority, and persists the resulting job.
type BatchRequest struct {
	UserID     string    `json:"user_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	PosterIDs  []string  `json:"poster_ids"`
	BadgeTypes []string  `json:"badge_types"`
	Source     JobSource `json:"source,omitempty"`
	UserTier   UserTier  `json:"user_tier,omitempty"`

	// Immediate is a caller hint that the job should be picked up as
	// soon as possible. It never bypasses the concurrency cap.
	Immediate bool `json:"immediate,omitempty"`
}
