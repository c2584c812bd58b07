// Package geo provides coarse spatial bucketing for presence statistics.
package geo

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// CellPrecision is the geohash length used for occupancy cells.
// Precision 6 covers roughly 1.2km x 0.6km.
const CellPrecision = 6

// Encode returns the geohash of lat/lon at the given precision.
func Encode(lat, lon float64, precision int) string {
	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0

	hash := make([]byte, 0, precision)
	var bit int
	var ch byte
	even := true

	for len(hash) < precision {
		if even {
			mid := (minLon + maxLon) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		even = !even

		bit++
		if bit == 5 {
			hash = append(hash, base32[ch])
			bit = 0
			ch = 0
		}
	}

	return string(hash)
}

// Cell returns the occupancy cell for a position.
func Cell(lat, lon float64) string {
	return Encode(lat, lon, CellPrecision)
}
