package domain

import "time"

// LocateInfo is a device location sample copied from the source database into `locate_info`.
type LocateInfo struct {
	ID            int64
	PublisherName string
	Long          string
	Lat           string
	Alt           string
	UpdatedAt     time.Time
	InsertedAt    time.Time
}
