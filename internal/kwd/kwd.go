// Package kwd implements the flat KWD keyword-VPD wire format: a single
// description block followed by a checksummed run of name/size/value
// triples, with no record structure or ECC protection. It mirrors the
// layout of internal/ipz but is considerably smaller since KWD has no
// VHDR/VTOC/PT indirection to walk.
package kwd

import (
	"fmt"

	"github.com/fruvpd/vpd/internal/cursor"
	"github.com/fruvpd/vpd/vpderr"
)

const (
	startTag        = 0x82
	pairStartTag    = 0x84
	altPairTag      = 0x90
	endTag          = 0x79
	finalTag        = 0x78
	kwNameLen       = 2
	descLenFieldSz  = 2
	blockLenFieldSz = 2
)

// Map is a parsed KWD blob: keyword name to raw value bytes.
type Map map[string][]byte

// entry locates one keyword's value within the blob it was parsed from.
type entry struct {
	name        string
	start, size int
}

// layout is the result of walking a KWD blob's structure: the checksummed
// byte range and every keyword's position, without copying any value
// bytes. Parse and UpdateKeyword both build on it so the walk and its
// checksum validation live in exactly one place.
type layout struct {
	checksumStart int // index of the keyword-pair start tag (0x84/0x90)
	checksumEnd   int // index of the 0x79 end tag, inclusive
	entries       []entry
}

// parseLayout walks a KWD blob end to end, validating its checksum, and
// returns the position of every keyword entry without copying any value
// bytes. Any structural mismatch (a missing tag, a bad checksum) yields
// vpderr.KindDataException; running out of bytes mid-walk yields
// vpderr.KindTruncated, matching the parser's distinct handling of "the
// blob lied about its own shape" versus "the blob was cut short".
func parseLayout(buf []byte) (layout, error) {
	c := cursor.At(buf, 0)

	tag, err := c.ReadByte()
	if err != nil {
		return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
	}
	if tag != startTag {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "missing KWD start tag")
	}

	descLen, err := c.ReadU16LE()
	if err != nil {
		return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
	}
	if _, err := c.Advance(int(descLen)); err != nil {
		return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
	}

	checksumStart := c.Pos()
	pairTag, err := c.ReadByte()
	if err != nil {
		return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
	}
	if pairTag != pairStartTag && pairTag != altPairTag {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "missing keyword pair start tag")
	}

	totalLen, err := c.ReadU16LE()
	if err != nil {
		return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
	}
	if totalLen == 0 {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "zero-length keyword pair block")
	}

	var entries []entry
	remaining := int(totalLen)
	for remaining > 0 {
		nameBytes, err := c.Advance(kwNameLen)
		if err != nil {
			return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
		}
		size, err := c.ReadByte()
		if err != nil {
			return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
		}
		start := c.Pos()
		if _, err := c.Advance(int(size)); err != nil {
			return layout{}, vpderr.Wrap("kwd.Parse", vpderr.KindTruncated, err)
		}
		entries = append(entries, entry{name: string(nameBytes), start: start, size: int(size)})

		consumed := kwNameLen + 1 + int(size)
		if consumed > remaining {
			return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "keyword entry overruns declared block length")
		}
		remaining -= consumed
	}

	if !cursor.InBounds(len(buf), c.Pos(), 2) {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindTruncated, "truncated before checksum trailer")
	}
	endByte := buf[c.Pos()]
	if endByte != endTag {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "missing end tag before checksum")
	}
	checksumEnd := c.Pos() // index of the 0x79 byte, inclusive
	storedChecksum := buf[c.Pos()+1]
	c.Seek(c.Pos() + 2)

	if !cursor.InBounds(len(buf), c.Pos(), 1) {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindTruncated, "truncated before final tag")
	}
	if buf[c.Pos()] != finalTag {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "missing final tag")
	}

	var sum byte
	for i := checksumStart; i <= checksumEnd; i++ {
		sum += buf[i]
	}
	if want := byte(-sum); want != storedChecksum {
		return layout{}, vpderr.New("kwd.Parse", vpderr.KindDataException, "checksum mismatch")
	}

	return layout{checksumStart: checksumStart, checksumEnd: checksumEnd, entries: entries}, nil
}

// Parse walks a KWD blob and returns its keyword map.
func Parse(buf []byte) (Map, error) {
	lay, err := parseLayout(buf)
	if err != nil {
		return nil, err
	}
	m := make(Map, len(lay.entries))
	for _, e := range lay.entries {
		v := make([]byte, e.size)
		copy(v, buf[e.start:e.start+e.size])
		m[e.name] = v
	}
	return m, nil
}

// UpdateKeyword overwrites up to min(len(newValue), existing keyword size)
// bytes of one keyword's value in place, leaving the description block and
// every other keyword's position and value untouched, then recomputes and
// rewrites the trailing checksum. It returns the number of bytes written.
// A write can never grow a keyword, matching the in-place EEPROM layout a
// KWD blob describes.
func UpdateKeyword(buf []byte, name string, newValue []byte) (int, error) {
	lay, err := parseLayout(buf)
	if err != nil {
		return 0, err
	}

	var target *entry
	for i := range lay.entries {
		if lay.entries[i].name == name {
			target = &lay.entries[i]
			break
		}
	}
	if target == nil {
		return 0, vpderr.New("kwd.UpdateKeyword", vpderr.KindKeywordNotFound,
			fmt.Sprintf("keyword %q not found", name))
	}

	n := len(newValue)
	if target.size < n {
		n = target.size
	}
	copy(buf[target.start:target.start+n], newValue[:n])

	var sum byte
	for i := lay.checksumStart; i <= lay.checksumEnd; i++ {
		sum += buf[i]
	}
	buf[lay.checksumEnd+1] = byte(-sum)

	return n, nil
}

// Build serializes a keyword map into a complete KWD blob, recomputing the
// checksum. description is written verbatim as the leading description
// block. Entries are written in the iteration order Go gives map ranges,
// which is intentionally unspecified; callers needing a stable byte layout
// across rebuilds should not rely on key ordering.
func Build(description []byte, kwMap Map) []byte {
	var pairs []byte
	for name, value := range kwMap {
		pairs = append(pairs, []byte(name)...)
		pairs = append(pairs, byte(len(value)))
		pairs = append(pairs, value...)
	}

	buf := make([]byte, 0, 1+descLenFieldSz+len(description)+1+blockLenFieldSz+len(pairs)+3)
	buf = append(buf, startTag)
	descLenBytes := make([]byte, 2)
	cursor.PutU16LE(descLenBytes, uint16(len(description)))
	buf = append(buf, descLenBytes...)
	buf = append(buf, description...)

	checksumStart := len(buf)
	buf = append(buf, pairStartTag)
	blockLenBytes := make([]byte, 2)
	cursor.PutU16LE(blockLenBytes, uint16(len(pairs)))
	buf = append(buf, blockLenBytes...)
	buf = append(buf, pairs...)
	buf = append(buf, endTag)

	var sum byte
	for i := checksumStart; i < len(buf); i++ {
		sum += buf[i]
	}
	checksum := byte(-sum)
	buf = append(buf, checksum, finalTag)
	return buf
}
