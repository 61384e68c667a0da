// Package ctstretch implements constant time stretching of byte streams.
// Every input block is replaced with a longer output block drawn from a
// keyed table of biased bit strings, and the bits of each output block are
// shuffled with a keyed stream.  Compression reverses both steps.
//
// Both ends must derive their tables and streams from the same key, and must
// process blocks in the same order, since every shuffle advances the stream.
package ctstretch // import "github.com/RACECAR-GU/ptcore/common/ctstretch"

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidBlockSize is returned for unsupported block sizes.
	ErrInvalidBlockSize = errors.New("ctstretch: invalid block size")

	// ErrUnknownBlock is returned when a stretched block is not in the
	// inversion table, which means the peer used another key or the data
	// was altered.
	ErrUnknownBlock = errors.New("ctstretch: unknown block")
)

// BitSwap swaps bits i and j in data.  Bit 0 is the first bit of data[0].
func BitSwap(data []byte, i, j uint64) {
	if i == j {
		return
	}

	numBits := uint64(len(data) * 8)
	if i >= numBits || j >= numBits {
		panic(fmt.Sprintf("BUG: ctstretch: bit index out of bounds: %d, %d >= %d", i, j, numBits))
	}

	iByte, jByte := &data[i/8], &data[j/8]
	iBitIdx, jBitIdx := i%8, j%8

	// The least significant bit of c is the XOR of the two bits.
	c := ((*iByte >> iBitIdx) & 1) ^ ((*jByte >> jBitIdx) & 1)

	*iByte ^= c << iBitIdx
	*jByte ^= c << jBitIdx
}

// UniformSample returns a uniformly distributed value in [a, b] drawn from
// stream.
func UniformSample(a, b uint64, stream cipher.Stream) uint64 {
	if a >= b {
		panic(fmt.Sprintf("BUG: ctstretch: invalid range [%d, %d]", a, b))
	}

	var buf [8]byte
	next := func() uint64 {
		clear(buf[:])
		stream.XORKeyStream(buf[:], buf[:])
		return binary.LittleEndian.Uint64(buf[:])
	}

	rnge := b - a + 1
	if rnge == 0 {
		// [0, MaxUint64] covers every value.
		return next()
	}
	limit := math.MaxUint64 - (math.MaxUint64 % rnge)
	for {
		if r := next(); r < limit {
			return a + (r % rnge)
		}
	}
}

// BitShuffle permutes the bits of data with a Fisher-Yates shuffle driven by
// stream.  Shuffling with rev set undoes a shuffle done with the same stream
// state.
func BitShuffle(data []byte, stream cipher.Stream, rev bool) {
	numBits := uint64(len(data) * 8)
	if numBits < 2 {
		return
	}

	shuffleIndices := make([]uint64, numBits-1)
	for idx := range shuffleIndices {
		shuffleIndices[idx] = UniformSample(uint64(idx), numBits-1, stream)
	}

	for idx := uint64(0); idx < numBits-1; idx++ {
		kdx := idx
		if rev {
			kdx = (numBits - 2) - idx
		}
		BitSwap(data, kdx, shuffleIndices[kdx])
	}
}

// SampleBiasedString returns a numBits long bit string where each bit is 0
// with probability bias.
func SampleBiasedString(numBits uint64, bias float64, stream cipher.Stream) uint64 {
	if numBits > 64 {
		panic(fmt.Sprintf("BUG: ctstretch: numBits out of range: %d", numBits))
	}

	var r uint64
	for idx := uint64(0); idx < numBits; idx++ {
		// Biased coin flip.
		x := float64(UniformSample(0, math.MaxUint64-1, stream)) / float64(math.MaxUint64-1)
		if x >= bias {
			r |= 1 << idx
		}
	}
	return r
}

// SampleBiasedStrings returns n distinct biased bit strings.
func SampleBiasedStrings(numBits, n uint64, bias float64, stream cipher.Stream) []uint64 {
	if numBits < 64 && n > 1<<numBits {
		panic(fmt.Sprintf("BUG: ctstretch: %d distinct values do not fit in %d bits", n, numBits))
	}

	vals := make([]uint64, n)
	seen := make(map[uint64]bool, n)
	for idx := range vals {
		s := SampleBiasedString(numBits, bias, stream)
		for seen[s] {
			s = SampleBiasedString(numBits, bias, stream)
		}
		vals[idx] = s
		seen[s] = true
	}
	return vals
}

// InvertTable maps every value of vals back to its index.
func InvertTable(vals []uint64) map[uint64]uint64 {
	m := make(map[uint64]uint64, len(vals))
	for idx, val := range vals {
		m[val] = uint64(idx)
	}
	return m
}

func readBlock(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

func writeBlock(dst []byte, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(dst, buf[:len(dst)])
}

// ExpandBytes stretches src into dst, which must hold
// ExpandedNBytes(len(src), inputBlockBits, outputBlockBits) bytes.  With 16
// bit input blocks, a trailing odd byte is stretched with table8 into a half
// sized output block.
func ExpandBytes(src, dst []byte, inputBlockBits, outputBlockBits uint64, table16, table8 []uint64, stream cipher.Stream) error {
	if inputBlockBits != 8 && inputBlockBits != 16 {
		return fmt.Errorf("%w: input blocks must be 8 or 16 bits", ErrInvalidBlockSize)
	}
	if outputBlockBits%8 != 0 || outputBlockBits > 64 || outputBlockBits <= inputBlockBits {
		return fmt.Errorf("%w: output blocks must be a multiple of 8 bits, at most 64", ErrInvalidBlockSize)
	}

	srcNBytes := uint64(len(src))
	inputBlockBytes := inputBlockBits / 8
	outputBlockBytes := outputBlockBits / 8

	if srcNBytes == 0 {
		return nil
	}
	if inputBlockBits == 16 && srcNBytes%2 == 1 {
		split := (srcNBytes - 1) * outputBlockBytes / inputBlockBytes
		if err := ExpandBytes(src[:srcNBytes-1], dst[:split], inputBlockBits, outputBlockBits, table16, table8, stream); err != nil {
			return err
		}
		return ExpandBytes(src[srcNBytes-1:], dst[split:], 8, outputBlockBits/2, table16, table8, stream)
	}

	table := table8
	if inputBlockBits == 16 {
		table = table16
	}

	outputIdx := uint64(0)
	for inputIdx := uint64(0); inputIdx < srcNBytes; inputIdx += inputBlockBytes {
		var x uint64
		if inputBlockBytes == 1 {
			x = uint64(src[inputIdx])
		} else {
			x = uint64(binary.BigEndian.Uint16(src[inputIdx:]))
		}

		block := dst[outputIdx : outputIdx+outputBlockBytes]
		writeBlock(block, table[x])
		BitShuffle(block, stream, false)
		outputIdx += outputBlockBytes
	}
	return nil
}

// CompressBytes reverses ExpandBytes.  inputBlockBits is the stretched block
// size and outputBlockBits the original one.
func CompressBytes(src, dst []byte, inputBlockBits, outputBlockBits uint64, inversion16, inversion8 map[uint64]uint64, stream cipher.Stream) error {
	if inputBlockBits%8 != 0 || inputBlockBits > 64 || inputBlockBits <= outputBlockBits {
		return fmt.Errorf("%w: input blocks must be a multiple of 8 bits, at most 64", ErrInvalidBlockSize)
	}
	if outputBlockBits != 8 && outputBlockBits != 16 {
		return fmt.Errorf("%w: output blocks must be 8 or 16 bits", ErrInvalidBlockSize)
	}

	srcNBytes := uint64(len(src))
	inputBlockBytes := inputBlockBits / 8
	outputBlockBytes := outputBlockBits / 8

	halfBlock := srcNBytes%inputBlockBytes != 0
	blocks := srcNBytes / inputBlockBytes
	if halfBlock {
		if outputBlockBits != 16 {
			return fmt.Errorf("%w: %d bytes is not a whole number of blocks", ErrInvalidBlockSize, srcNBytes)
		}
		endSrc := blocks * inputBlockBytes
		endDst := blocks * outputBlockBytes
		if err := CompressBytes(src[:endSrc], dst[:endDst], inputBlockBits, outputBlockBits, inversion16, inversion8, stream); err != nil {
			return err
		}
		return CompressBytes(src[endSrc:], dst[endDst:], inputBlockBits/2, outputBlockBits/2, inversion16, inversion8, stream)
	}

	inversion := inversion8
	if outputBlockBits == 16 {
		inversion = inversion16
	}

	outputIdx := uint64(0)
	for inputIdx := uint64(0); inputIdx < srcNBytes; inputIdx += inputBlockBytes {
		block := src[inputIdx : inputIdx+inputBlockBytes]
		BitShuffle(block, stream, true)

		y, ok := inversion[readBlock(block)]
		if !ok {
			return ErrUnknownBlock
		}
		if outputBlockBytes == 1 {
			dst[outputIdx] = uint8(y)
		} else {
			binary.BigEndian.PutUint16(dst[outputIdx:], uint16(y))
		}
		outputIdx += outputBlockBytes
	}
	return nil
}

// ExpandedNBytes returns the stretched length of srcLen bytes.
func ExpandedNBytes(srcLen, inputBlockBits, outputBlockBits uint64) uint64 {
	return srcLen * (outputBlockBits / inputBlockBits)
}

// CompressedNBytes returns the original length of expandedLen stretched
// bytes.
func CompressedNBytes(expandedLen, inputBlockBits, outputBlockBits uint64) uint64 {
	return uint64(math.Ceil(float64(expandedLen) * (float64(outputBlockBits) / float64(inputBlockBits))))
}
