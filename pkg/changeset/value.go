package changeset

import (
	"math"
	"unicode/utf16"
)

func floatBits(v float32) uint32  { return math.Float32bits(v) }
func bitsFloat(b uint32) float32  { return math.Float32frombits(b) }
func doubleBits(v float64) uint64 { return math.Float64bits(v) }
func bitsDouble(b uint64) float64 { return math.Float64frombits(b) }

func decodeUTF16(units []uint16) string { return string(utf16.Decode(units)) }
