package models

// -----------------------------------------------------------------------
// Badge payloads - extractor output, composer input
// -----------------------------------------------------------------------

// BadgeItem is one visual unit to place on the poster: an asset image,
// or text rendered on a background when no asset matches.
type BadgeItem struct {
	Text      string `json:"text,omitempty"`
	ImageFile string `json:"image_file,omitempty"`
}

// BadgePayload is what an extractor derives from a media record. Review
// badges carry one item per enabled source; the others carry a single
// item. Items sharing a badge type stack at that type's anchor.
type BadgePayload struct {
	Type  BadgeType   `json:"type"`
	Items []BadgeItem `json:"items"`
}

// PosterResult is what the poster processor returns on success.
type PosterResult struct {
	PosterID      string      `json:"poster_id"`
	OutputPath    string      `json:"output_path"`
	AppliedBadges []BadgeType `json:"applied_badges"`
}

// ReviewScore is one aggregated rating from an external provider.
// Votes of VotesUnknown means the provider does not expose a count and
// the minimum-votes filter lets the score through.
type ReviewScore struct {
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Votes   int     `json:"votes"`
	Display string  `json:"display"`
}

// VotesUnknown marks a score whose provider reports no vote count.
const VotesUnknown = -1
