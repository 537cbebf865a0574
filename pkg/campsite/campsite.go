// Package campsite defines the campsite record, how raw stored values are
// validated into records, and the elevation filter applied to them.
package campsite

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidCampsite is wrapped by every DecodeError.
var ErrInvalidCampsite = errors.New("invalid campsite")

// Location is a geocoordinate in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Campsite is a validated record. Values are only produced by Decode, so a
// Campsite always satisfies every field constraint.
type Campsite struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ElevationFt float64  `json:"elevation_ft"`
	Region      string   `json:"region"`
	Location    Location `json:"location"`
}

// DecodeError reports the first field of a raw value that failed validation.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid campsite field '%s': %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrInvalidCampsite
}

func fieldError(field, reason string) *DecodeError {
	return &DecodeError{Field: field, Reason: reason}
}

// Decode validates raw and returns the Campsite it describes. Fields are checked
// in the order id, name, elevation_ft, location, region; the first violation is
// returned as a *DecodeError.
func Decode(raw []byte) (*Campsite, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fieldError("value", "not valid JSON")
	}

	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fieldError("value", "not a JSON object")
	}

	fields := gjson.GetManyBytes(raw, "id", "name", "elevation_ft", "location", "region")

	id, err := nonEmptyString("id", fields[0])
	if err != nil {
		return nil, err
	}

	name, err := nonEmptyString("name", fields[1])
	if err != nil {
		return nil, err
	}

	elevation, err := coerceNumber("elevation_ft", fields[2])
	if err != nil {
		return nil, err
	}

	location, err := decodeLocation(fields[3])
	if err != nil {
		return nil, err
	}

	region, err := nonEmptyString("region", fields[4])
	if err != nil {
		return nil, err
	}

	return &Campsite{
		ID:          id,
		Name:        name,
		ElevationFt: elevation,
		Region:      region,
		Location:    location,
	}, nil
}

func nonEmptyString(field string, v gjson.Result) (string, error) {
	switch {
	case !v.Exists():
		return "", fieldError(field, "missing")
	case v.Type != gjson.String:
		return "", fieldError(field, "not a string")
	case v.Str == "":
		return "", fieldError(field, "empty")
	}
	return v.Str, nil
}

// coerceNumber accepts JSON numbers and strings holding a finite number.
func coerceNumber(field string, v gjson.Result) (float64, error) {
	var n float64
	switch v.Type {
	case gjson.Number:
		n = v.Num
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return 0, fieldError(field, "empty")
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fieldError(field, "not numeric")
		}
		n = parsed
	case gjson.Null:
		if v.Exists() {
			return 0, fieldError(field, "null")
		}
		return 0, fieldError(field, "missing")
	default:
		return 0, fieldError(field, "not numeric")
	}

	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fieldError(field, "not finite")
	}
	return n, nil
}

func decodeLocation(v gjson.Result) (Location, error) {
	if !v.Exists() {
		return Location{}, fieldError("location", "missing")
	}
	if !v.IsObject() {
		return Location{}, fieldError("location", "not an object")
	}

	lat, err := finiteNumber("location.latitude", v.Get("latitude"))
	if err != nil {
		return Location{}, err
	}
	lng, err := finiteNumber("location.longitude", v.Get("longitude"))
	if err != nil {
		return Location{}, err
	}

	return Location{Latitude: lat, Longitude: lng}, nil
}

func finiteNumber(field string, v gjson.Result) (float64, error) {
	if !v.Exists() {
		return 0, fieldError(field, "missing")
	}
	if v.Type != gjson.Number {
		return 0, fieldError(field, "not a number")
	}
	if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
		return 0, fieldError(field, "not finite")
	}
	return v.Num, nil
}

// MarshalJSON renders the transmission form of c.
func (c *Campsite) MarshalJSON() ([]byte, error) {
	if math.IsNaN(c.ElevationFt) || math.IsInf(c.ElevationFt, 0) {
		return nil, fmt.Errorf("campsite '%s': elevation is not finite", c.ID)
	}

	type transmission Campsite
	return json.Marshal((*transmission)(c))
}

// ElevationRange bounds elevations in feet. A nil bound is absent. An inverted
// range is allowed and matches nothing.
type ElevationRange struct {
	Min *float64
	Max *float64
}

// Matches reports whether c lies within r, bounds inclusive.
func Matches(c *Campsite, r ElevationRange) bool {
	if r.Min != nil && c.ElevationFt < *r.Min {
		return false
	}
	if r.Max != nil && c.ElevationFt > *r.Max {
		return false
	}
	return true
}
