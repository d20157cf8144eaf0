// Package jellyfin provides a typed client for the Jellyfin media
// server HTTP API. This package centralizes every Jellyfin interaction
// for the application.
package jellyfin

import (
	"github.com/aphrodite-media/aphrodite/internal/models"
)

// itemDTO is the subset of Jellyfin's BaseItemDto the pipeline reads.
type itemDTO struct {
	ID             string            `json:"Id"`
	Name           string            `json:"Name"`
	Type           string            `json:"Type"`
	ProductionYear int               `json:"ProductionYear"`
	ProviderIDs    map[string]string `json:"ProviderIds"`
	Tags           []string          `json:"Tags"`
	MediaStreams   []streamDTO       `json:"MediaStreams"`
	MediaSources   []sourceDTO       `json:"MediaSources"`
}

type sourceDTO struct {
	MediaStreams []streamDTO `json:"MediaStreams"`
}

type streamDTO struct {
	Type           string `json:"Type"`
	Codec          string `json:"Codec"`
	Profile        string `json:"Profile"`
	Title          string `json:"Title"`
	DisplayTitle   string `json:"DisplayTitle"`
	Channels       int    `json:"Channels"`
	BitRate        int64  `json:"BitRate"`
	IsDefault      bool   `json:"IsDefault"`
	Width          int    `json:"Width"`
	Height         int    `json:"Height"`
	VideoRange     string `json:"VideoRange"`
	VideoRangeType string `json:"VideoRangeType"`
}

type virtualFolderDTO struct {
	Name           string `json:"Name"`
	ItemID         string `json:"ItemId"`
	CollectionType string `json:"CollectionType"`
}

type itemsPageDTO struct {
	Items            []itemDTO `json:"Items"`
	TotalRecordCount int       `json:"TotalRecordCount"`
}

// toMediaRecord flattens a Jellyfin item into the internal media shape.
// Some item types carry streams at the top level, others only inside
// their first media source; both are honoured.
func (d *itemDTO) toMediaRecord() *models.MediaRecord {
	record := &models.MediaRecord{
		ID:             d.ID,
		Name:           d.Name,
		Type:           d.Type,
		ProductionYear: d.ProductionYear,
		ProviderIDs:    d.ProviderIDs,
		Tags:           d.Tags,
	}

	streams := d.MediaStreams
	if len(streams) == 0 && len(d.MediaSources) > 0 {
		streams = d.MediaSources[0].MediaStreams
	}

	for _, s := range streams {
		switch s.Type {
		case "Audio":
			record.AudioStreams = append(record.AudioStreams, models.AudioStream{
				Codec:        s.Codec,
				Profile:      s.Profile,
				Title:        s.Title,
				DisplayTitle: s.DisplayTitle,
				Channels:     s.Channels,
				BitRate:      s.BitRate,
				IsDefault:    s.IsDefault,
			})
		case "Video":
			record.VideoStreams = append(record.VideoStreams, models.VideoStream{
				Codec:          s.Codec,
				Width:          s.Width,
				Height:         s.Height,
				VideoRange:     s.VideoRange,
				VideoRangeType: s.VideoRangeType,
				Title:          s.Title,
				DisplayTitle:   s.DisplayTitle,
			})
		}
	}

	return record
}
