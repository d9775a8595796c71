// Package bitstream implements the VPD ECC engine: the bit-interleave
// scramble step and the systematic (39,32)-style single-bit-correct code
// over 32-bit words. The syndrome mask table and the two decode tables are
// reproduced bit-exactly from the reference seeprom ECC routines; see
// DESIGN.md for the grounding note on the one deliberate deviation (the
// decode-table scan bound, fixed here to match the behaviour spec.md §4.1
// step 3 describes rather than the off-by-width bug in the historical C
// implementation).
package bitstream

import "github.com/fruvpd/vpd/vpderr"

const (
	// dataBitOffset is the scramble stride applied to the raw data buffer.
	dataBitOffset = 11
	// eccBitOffset is the scramble stride applied to the ECC buffer.
	eccBitOffset = 11
)

// Status is the outcome of CheckAndCorrect.
type Status int

const (
	// StatusOK means the data matched its ECC with no error.
	StatusOK Status = iota
	// StatusCorrected means a single-bit error was found and fixed in place.
	StatusCorrected
	// StatusUncorrectable means the error could not be corrected; data is
	// left unchanged.
	StatusUncorrectable
	// StatusWrongEccSize means the supplied ECC buffer was shorter than
	// ceil(len(data)/4).
	StatusWrongEccSize
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "Ok"
	case StatusCorrected:
		return "Corrected"
	case StatusUncorrectable:
		return "Uncorrectable"
	case StatusWrongEccSize:
		return "WrongEccSize"
	default:
		return "Unknown"
	}
}

// syndromeMask holds the seven fixed 32-bit syndrome masks (4 bytes each)
// used to compute one ECC byte per 4-byte word.
var syndromeMask = [28]byte{
	0x07, 0xFF, 0x80, 0xC0, 0xFF, 0x00, 0xA0, 0xB4,
	0x39, 0x07, 0x54, 0x6A, 0x4A, 0x19, 0x4A, 0x19,
	0x54, 0x6A, 0x39, 0x07, 0xA0, 0xB4, 0xFF, 0x00,
	0x80, 0xC0, 0x07, 0xFF,
}

// aCsdDataSyndroms maps a single-bit-in-data check syndrome to the bit
// position (0..31) within the 4-byte word that flipped. Index i of this
// table corresponds to data bit i.
var aCsdDataSyndroms = [32]byte{
	0x23, 0x2C, 0x32, 0x34, 0x38, 0x64,
	0x68, 0x70, 0x43, 0x45, 0x46, 0x4A,
	0x4C, 0x52, 0x54, 0x58, 0x62, 0x1A,
	0x26, 0x16, 0x0E, 0x13, 0x0B, 0x07,
	0x61, 0x51, 0x31, 0x29, 0x19, 0x25,
	0x15, 0x0D,
}

// aCsdEccSyndroms maps a single-bit-in-ecc check syndrome to the bit
// position (0..6) within the ECC byte that flipped.
var aCsdEccSyndroms = [7]byte{
	0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40,
}

// wordECC computes the 7-bit ECC of a 4-byte word by folding each of the
// seven syndrome-masked copies of the word down to a single parity bit,
// then inverting the result.
func wordECC(data [4]byte) byte {
	var result byte
	for i := 0; i < 7; i++ {
		var w [4]byte
		w[0] = data[0] & syndromeMask[i*4+0]
		w[1] = data[1] & syndromeMask[i*4+1]
		w[2] = data[2] & syndromeMask[i*4+2]
		w[3] = data[3] & syndromeMask[i*4+3]

		// fold by 16
		w[3] ^= w[1]
		w[2] ^= w[0]

		// fold by 8
		w[3] ^= w[2]
		w[2] ^= w[1]
		w[1] ^= w[0]

		// fold by 4
		w[3] ^= (w[2] << 4) | (w[3] >> 4)
		w[2] ^= (w[1] << 4) | (w[2] >> 4)
		w[1] ^= (w[0] << 4) | (w[1] >> 4)
		w[0] ^= w[0] >> 4

		// fold by 2
		w[3] ^= (w[2] << 6) | (w[3] >> 2)
		w[2] ^= (w[1] << 6) | (w[2] >> 2)
		w[1] ^= (w[0] << 6) | (w[1] >> 2)
		w[0] ^= w[0] >> 2

		// fold by 1
		w[3] ^= (w[2] << 7) | (w[3] >> 1)
		w[2] ^= (w[1] << 7) | (w[2] >> 1)
		w[1] ^= (w[0] << 7) | (w[1] >> 1)
		w[0] ^= w[0] >> 1

		bit := w[3] & 0x01
		result |= bit << uint(6-i)
	}
	return result ^ 0x7F
}

// Scramble redistributes the bits of in across a same-length output buffer
// with stride bitOffset: bit k of the output bitstream is read from input
// bit position (k*bitOffset) mod (8*len(in)), advancing the start offset by
// one each time a full pass wraps. Unscramble inverts this exactly.
func Scramble(bitOffset int, in []byte) []byte {
	return interleave(bitOffset, in, true)
}

// Unscramble inverts Scramble.
func Unscramble(bitOffset int, in []byte) []byte {
	return interleave(bitOffset, in, false)
}

func interleave(bitOffset int, in []byte, scrambling bool) []byte {
	n := len(in)
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	maxBits := n * 8
	bitNum := 0
	startBit := 0
	for i := 0; i < n; i++ {
		wordMask := byte(0x80)
		for j := 0; j < 8; j++ {
			byteNum := bitNum / 8
			bitInByte := bitNum % 8
			byteBitMask := byte(0x80) >> uint(bitInByte)

			if scrambling {
				if in[byteNum]&byteBitMask != 0 {
					out[i] |= wordMask
				}
			} else {
				if in[i]&wordMask != 0 {
					out[byteNum] |= byteBitMask
				}
			}

			wordMask >>= 1
			bitNum += bitOffset
			if bitNum >= maxBits {
				startBit++
				bitNum = startBit
			}
		}
	}
	return out
}

// genCsDecode scans table (numBits entries, covering the high numBits bits
// of a 32-bit field) for syndrome and returns a 4-byte mask with exactly
// one bit set at the matching position, or the zero mask if no entry
// matches.
func genCsDecode(numBits int, syndrome byte, table []byte) [4]byte {
	start := 32 - numBits
	var mask [4]byte
	for bitpos := start; bitpos < 32; bitpos++ {
		if table[bitpos-start] == syndrome {
			mask[bitpos/8] = 0x80 >> uint(bitpos%8)
			return mask
		}
	}
	return mask
}

// eccCheck checks numWords 4-byte words of the scrambled data buffer
// against their corresponding scrambled ECC bytes, correcting any single
// correctable bit in place. It stops at the first uncorrectable word,
// mirroring the reference implementation's single-pass scan.
func eccCheck(data []byte, ecc []byte, numWords int) Status {
	status := StatusOK
	for i := 0; i < numWords; i++ {
		var word [4]byte
		copy(word[:], data[i*4:i*4+4])
		checkSyndrome := ecc[i] ^ wordECC(word)
		if checkSyndrome == 0 {
			continue
		}

		dataMask := genCsDecode(32, checkSyndrome, aCsdDataSyndroms[:])
		eccMask := genCsDecode(7, checkSyndrome, aCsdEccSyndroms[:])

		position := -1
		for j := 0; j < 4; j++ {
			if dataMask[j] != 0 {
				position = j
				break
			}
		}

		if position < 0 && eccMask[3] == 0 {
			return StatusUncorrectable
		}

		status = StatusCorrected
		if position >= 0 {
			data[i*4+position] ^= dataMask[position]
		}
	}
	return status
}

// CreateECC computes an ECC blob for data, one ECC byte per 4 input bytes
// (rounded up). Empty input returns an empty ECC.
func CreateECC(data []byte) []byte {
	blocks := (len(data) + 3) / 4
	bufLen := blocks * 4
	eccLen := blocks

	raw := make([]byte, bufLen)
	copy(raw, data)

	scrambled := Scramble(dataBitOffset, raw)

	eccBuf := make([]byte, eccLen)
	for i := 0; i < eccLen; i++ {
		var word [4]byte
		copy(word[:], scrambled[i*4:i*4+4])
		eccBuf[i] = wordECC(word)
	}

	return Unscramble(eccBitOffset, eccBuf)
}

// CreateECCInto writes the ECC for data into dst, matching the
// caller-supplied-buffer contract: it fails with vpderr.KindInvalidArgument
// if dst is shorter than ceil(len(data)/4).
func CreateECCInto(dst, data []byte) (int, error) {
	eccLen := (len(data) + 3) / 4
	if len(dst) < eccLen {
		return 0, vpderr.New("bitstream.CreateECCInto", vpderr.KindInvalidArgument,
			"ecc output buffer too small")
	}
	copy(dst, CreateECC(data))
	return eccLen, nil
}

// CheckAndCorrect checks data against ecc and corrects a single-bit error
// in place. On StatusUncorrectable, data is left unchanged. On
// StatusWrongEccSize, data is left unchanged and ecc is not a valid size
// for data.
func CheckAndCorrect(data []byte, ecc []byte) Status {
	blocks := (len(data) + 3) / 4
	bufLen := blocks * 4
	eccLen := blocks

	if len(ecc) < eccLen {
		return StatusWrongEccSize
	}
	if eccLen == 0 {
		return StatusOK
	}

	raw := make([]byte, bufLen)
	copy(raw, data)
	scrambledData := Scramble(dataBitOffset, raw)
	scrambledEcc := Scramble(eccBitOffset, ecc[:eccLen])

	status := eccCheck(scrambledData, scrambledEcc, eccLen)
	if status != StatusCorrected {
		return status
	}

	fixed := Unscramble(dataBitOffset, scrambledData)
	copy(data, fixed[:len(data)])
	return StatusCorrected
}
