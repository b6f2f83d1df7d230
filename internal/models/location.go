package models

// Location represents a reported position with latitude, longitude and the time it was observed.
type Location struct {
	Lat       float64   `bson:"lat" json:"lat"`
	Lng       float64   `bson:"lng" json:"lng"`
	Timestamp Timestamp `bson:"timestamp" json:"timestamp"`
}
