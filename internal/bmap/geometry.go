package bmap

import (
	"encoding/binary"
	"fmt"
)

// MaxDelta is the largest step a 16-bit delta can carry
const MaxDelta = 32767

// AppendGeometry appends the delta-coded form of points to dst.
// The first point is absolute (2 x int32), every following point is a
// 2 x int16 step from the previously emitted position. Moves that do not fit
// are split into several steps, so count can exceed len(points).
func AppendGeometry(dst []byte, points []Point) (count uint32, out []byte) {
	if len(points) == 0 {
		return 0, dst
	}

	first := points[0]
	dst = binary.LittleEndian.AppendUint32(dst, uint32(first.Lon))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(first.Lat))
	count = 1

	prev := first
	for _, p := range points[1:] {
		dLon := int64(p.Lon) - int64(prev.Lon)
		dLat := int64(p.Lat) - int64(prev.Lat)

		for abs(dLon) > MaxDelta || abs(dLat) > MaxDelta {
			stepLon, stepLat := splitStep(dLon, dLat)
			dst = appendStep(dst, stepLon, stepLat)
			dLon -= stepLon
			dLat -= stepLat
			count++
		}
		dst = appendStep(dst, dLon, dLat)
		count++
		prev = p
	}

	return count, dst
}

// EncodeGeometry returns the delta-coded form of points
func EncodeGeometry(points []Point) (uint32, []byte) {
	return AppendGeometry(make([]byte, 0, 8+4*len(points)), points)
}

// splitStep returns the largest in-range step along the direction of
// (dLon, dLat). The dominant axis is clamped and the other axis scaled by the
// same ratio; if that still overflows the roles are swapped.
func splitStep(dLon, dLat int64) (int64, int64) {
	if abs(dLon) >= abs(dLat) {
		stepLon := clampDelta(dLon)
		stepLat := dLat * stepLon / dLon
		if abs(stepLat) > MaxDelta {
			stepLat = clampDelta(dLat)
			stepLon = dLon * stepLat / dLat
		}
		return stepLon, stepLat
	}

	stepLat := clampDelta(dLat)
	stepLon := dLon * stepLat / dLat
	if abs(stepLon) > MaxDelta {
		stepLon = clampDelta(dLon)
		stepLat = dLat * stepLon / dLon
	}
	return stepLon, stepLat
}

func appendStep(dst []byte, dLon, dLat int64) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(dLon)))
	return binary.LittleEndian.AppendUint16(dst, uint16(int16(dLat)))
}

func clampDelta(v int64) int64 {
	if v > MaxDelta {
		return MaxDelta
	}
	if v < -MaxDelta {
		return -MaxDelta
	}
	return v
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// GeometrySize returns the encoded byte length of count points
func GeometrySize(count uint32) int {
	if count == 0 {
		return 0
	}
	return 8 + 4*(int(count)-1)
}

// DecodeGeometry expands count delta-coded points into absolute positions,
// one per emitted step. It returns the number of bytes consumed.
func DecodeGeometry(count uint32, data []byte) ([]Point, int, error) {
	size := GeometrySize(count)
	if len(data) < size {
		return nil, 0, fmt.Errorf("geometry of %d points needs %d bytes, have %d", count, size, len(data))
	}
	if count == 0 {
		return nil, 0, nil
	}

	points := make([]Point, 0, count)
	cur := Point{
		Lon: int32(binary.LittleEndian.Uint32(data[0:])),
		Lat: int32(binary.LittleEndian.Uint32(data[4:])),
	}
	points = append(points, cur)

	for off := 8; off < size; off += 4 {
		cur.Lon += int32(int16(binary.LittleEndian.Uint16(data[off:])))
		cur.Lat += int32(int16(binary.LittleEndian.Uint16(data[off+2:])))
		points = append(points, cur)
	}
	return points, size, nil
}
