package models

// -----------------------------------------------------------------------
// Media records - the slice of Jellyfin item metadata the extractors need
// -----------------------------------------------------------------------

// MediaRecord is the subset of a Jellyfin item used for badge extraction.
type MediaRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	ProductionYear int               `json:"production_year,omitempty"`
	ProviderIDs    map[string]string `json:"provider_ids,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	AudioStreams   []AudioStream     `json:"audio_streams,omitempty"`
	VideoStreams   []VideoStream     `json:"video_streams,omitempty"`
}

// TMDBID returns the TMDB provider id if present.
func (m *MediaRecord) TMDBID() string {
	if m.ProviderIDs == nil {
		return ""
	}
	return m.ProviderIDs["Tmdb"]
}

// IMDBID returns the IMDB provider id if present.
func (m *MediaRecord) IMDBID() string {
	if m.ProviderIDs == nil {
		return ""
	}
	return m.ProviderIDs["Imdb"]
}

// HasTag reports whether the item already carries the given tag.
func (m *MediaRecord) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AudioStream describes one audio track on a media item.
type AudioStream struct {
	Codec        string `json:"codec"`
	Profile      string `json:"profile,omitempty"`
	Title        string `json:"title,omitempty"`
	DisplayTitle string `json:"display_title,omitempty"`
	Channels     int    `json:"channels"`
	BitRate      int64  `json:"bit_rate,omitempty"`
	IsDefault    bool   `json:"is_default"`
}

// VideoStream describes one video track on a media item.
type VideoStream struct {
	Codec          string `json:"codec"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	VideoRange     string `json:"video_range,omitempty"`
	VideoRangeType string `json:"video_range_type,omitempty"`
	Title          string `json:"title,omitempty"`
	DisplayTitle   string `json:"display_title,omitempty"`
}

// Library is a Jellyfin virtual folder.
type Library struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CollectionType string `json:"collection_type,omitempty"`
}
