package models

// Location is the position attached to a logged event. Description is the
// nearest-place text ELD records carry alongside coordinates.
type Location struct {
	Lat         float64 `bson:"lat" json:"lat"`
	Lon         float64 `bson:"lon" json:"lon"`
	Description string  `bson:"description,omitempty" json:"description,omitempty"`
}

// Valid reports whether the coordinates are inside WGS84 bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}
