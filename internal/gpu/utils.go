package gpu

import (
	"encoding/binary"
	"math"
)

// Float32sToBytes encodes a float32 slice as little-endian bytes, the layout
// device buffers use.
func Float32sToBytes(input []float32) []byte {
	output := make([]byte, 4*len(input))
	for i, v := range input {
		binary.LittleEndian.PutUint32(output[4*i:], math.Float32bits(v))
	}
	return output
}

// BytesToFloat32s decodes little-endian bytes into float32 values. Trailing
// bytes that do not form a whole value are ignored.
func BytesToFloat32s(input []byte) []float32 {
	output := make([]float32, len(input)/4)
	for i := range output {
		output[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[4*i:]))
	}
	return output
}

// Float64ToFloat32 converts a slice of float64 to float32
func Float64ToFloat32(input []float64) []float32 {
	output := make([]float32, len(input))
	for i, v := range input {
		output[i] = float32(v)
	}
	return output
}

// Float32ToFloat64 converts a slice of float32 to float64
func Float32ToFloat64(input []float32) []float64 {
	output := make([]float64, len(input))
	for i, v := range input {
		output[i] = float64(v)
	}
	return output
}

// Float32Arg encodes a float32 kernel argument.
func Float32Arg(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}
