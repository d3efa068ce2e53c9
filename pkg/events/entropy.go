// pkg/events/entropy.go
package events

import (
	"io"
	"math"
	"os"
)

// entropySampleSize bounds how much of a file is read when estimating
// entropy. 8 KiB is enough to separate encrypted content from text and
// common binary formats.
const entropySampleSize = 8192

// ShannonEntropy returns the Shannon entropy of data in bits per byte,
// in [0,8]. Empty input has zero entropy.
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}

	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	entropy := 0.0
	total := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// SampleFileEntropy reads up to entropySampleSize bytes from the start of the
// file at path and returns its Shannon entropy. Returns an error if the file
// cannot be read; callers treat that as "entropy unknown", never a fault.
func SampleFileEntropy(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, entropySampleSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, err
	}
	return ShannonEntropy(buf[:n]), nil
}
