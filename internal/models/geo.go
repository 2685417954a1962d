package models

import "math"

const earthRadiusKm = 6371.0088

// ValidCoordinate 判断坐标是否为真实位置
// (0,0) 视为空岛无效值，越界或 NaN 同样无效
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return !(lat == 0 && lon == 0)
}

// ValidCoordinatePtr 同 ValidCoordinate，nil 视为无效
func ValidCoordinatePtr(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	return ValidCoordinate(*lat, *lon)
}

// HaversineKm 两点间球面距离 (km)
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
