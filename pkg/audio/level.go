package audio

import (
	"encoding/binary"
	"math"
)

// PeakLevel returns the absolute peak of 16-bit little-endian PCM, normalised
// to [0, 1]. A trailing odd byte is ignored.
func PeakLevel(pcm []byte) float64 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return math.Min(float64(peak)/32767, 1)
}

// RMSLevel returns the root-mean-square level of 16-bit little-endian PCM,
// normalised to [0, 1].
func RMSLevel(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		sum += s * s
	}
	return math.Min(math.Sqrt(sum/float64(n)), 1)
}
