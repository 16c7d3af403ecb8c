package normalize

import "math"

// Project maps (latitude, longitude) onto the unit sphere. Raw (lat, lon)
// pairs have a discontinuity at the ±180° meridian and a non-uniform metric
// near the poles; the embedding gives a Euclidean distance that approximates
// great-circle proximity for the outlier model's splits.
func Project(lat, lon float64) (x, y, z float64) {
	phi := (90 - lat) * (math.Pi / 180)
	theta := (lon + 180) * (math.Pi / 180)

	x = -(math.Sin(phi) * math.Cos(theta))
	y = math.Cos(phi)
	z = math.Sin(phi) * math.Sin(theta)
	return x, y, z
}
