package experiment

import (
	"math"
	"unicode/utf16"

	"github.com/kalambet/expd/internal/storage"
)

// HashSubject is the 31-multiplier polynomial hash over the UTF-16 code
// units of id, wrapping at 32 bits. Changing it reassigns live populations.
func HashSubject(id string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(id)) {
		h = h*31 + int32(c)
	}
	return h
}

// normalize maps a hash to [0, 1]. math.MinInt32 maps slightly above 1.
func normalize(h int32) float64 {
	return math.Abs(float64(h)) / math.MaxInt32
}

// BucketSubject deterministically assigns a known subject to an arm.
func BucketSubject(id string, trafficSplit float64) storage.Arm {
	if normalize(HashSubject(id)) < trafficSplit {
		return storage.ArmVariant
	}
	return storage.ArmControl
}

// BucketRandom assigns an anonymous subject using a uniform draw in [0, 1).
func BucketRandom(trafficSplit float64, draw func() float64) storage.Arm {
	if draw() < trafficSplit {
		return storage.ArmVariant
	}
	return storage.ArmControl
}

// Bucket assigns subjectID to an arm, using draw when it is nil. An empty
// but present id is hashed like any other.
func Bucket(subjectID *string, trafficSplit float64, draw func() float64) storage.Arm {
	if subjectID == nil {
		return BucketRandom(trafficSplit, draw)
	}
	return BucketSubject(*subjectID, trafficSplit)
}
