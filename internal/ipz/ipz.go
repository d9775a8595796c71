// Package ipz implements the IPZ VPD wire format: the VHDR/VTOC-rooted,
// ECC-protected, tagged record format whose offsets are the constants
// below. It combines the parser and the in-memory-snapshot editor in
// one package because the editor needs the same VTOC/PT walk the parser
// uses to locate a record, the way the teacher keeps a resource's readers
// and mutators in one package when they share a wire format (e.g.
// internal/server/storage).
package ipz

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fruvpd/vpd/internal/bitstream"
	"github.com/fruvpd/vpd/internal/cursor"
	"github.com/fruvpd/vpd/vpderr"
)

const (
	vhdrNameOffset    = 17
	vhdrRecordOffset  = 11
	vhdrRecordLength  = 44
	vhdrEccOffset     = 0
	vhdrEccLength     = 11
	vtocPtrOffset     = 35
	recordNameLen     = 4
	kwNameLen         = 2
	jumpToRecordName  = 6 // recordId(1) + recordSize(2) + "RT"(2) + kwSize(1)
	ptEntrySize       = 14
	minBlobSize       = 44
	lastKeyword       = "PF"
	poundKeywordByte  = '#'
	recordTypeKeyword = "RT"
)

// Map is a parsed IPZ blob: record name to keyword name to raw value bytes.
type Map map[string]map[string][]byte

// InvalidRecord names a record that failed its structural or ECC check
// during a parse. Err carries a vpderr.Kind for programmatic branching.
type InvalidRecord struct {
	Name string
	Err  error
}

// Result is the outcome of Parse.
type Result struct {
	Map Map
	// Invalid lists records that failed their ECC check or structural
	// validation; they are omitted from Map.
	Invalid []InvalidRecord
	// Corrected lists records whose ECC check found and fixed a single-bit
	// error; their repaired bytes are the ones reflected in Map.
	Corrected []string
}

type ptEntry struct {
	name              string
	recOff, recLen    int
	eccOff, eccLen    int
}

// checkVHDR validates the VHDR record in place (mutating work on a
// correctable ECC error) and returns whether it had to correct a bit.
func checkVHDR(work []byte) (bool, error) {
	if len(work) < minBlobSize {
		return false, vpderr.New("ipz.checkVHDR", vpderr.KindTruncated, "blob shorter than minimum IPZ size")
	}
	if len(work) < vhdrRecordOffset+vhdrRecordLength {
		return false, vpderr.New("ipz.checkVHDR", vpderr.KindTruncated, "blob too short for VHDR body")
	}
	if string(work[vhdrNameOffset:vhdrNameOffset+recordNameLen]) != "VHDR" {
		return false, vpderr.New("ipz.checkVHDR", vpderr.KindMalformed, "VHDR record not found")
	}
	status := bitstream.CheckAndCorrect(
		work[vhdrRecordOffset:vhdrRecordOffset+vhdrRecordLength],
		work[vhdrEccOffset:vhdrEccOffset+vhdrEccLength],
	)
	if status == bitstream.StatusUncorrectable || status == bitstream.StatusWrongEccSize {
		return false, vpderr.New("ipz.checkVHDR", vpderr.KindEccUncorrectable, "VHDR ECC check failed")
	}
	return status == bitstream.StatusCorrected, nil
}

// vtocPointers reads the VTOC location fields out of an already-checked
// VHDR body.
func vtocPointers(work []byte) (off, length, eccOff, eccLen int, err error) {
	if len(work) < vtocPtrOffset+8 {
		return 0, 0, 0, 0, vpderr.New("ipz.vtocPointers", vpderr.KindTruncated, "blob too short for VTOC pointers")
	}
	c := cursor.At(work, vtocPtrOffset)
	vOff, _ := c.ReadU16LE()
	vLen, _ := c.ReadU16LE()
	vEccOff, _ := c.ReadU16LE()
	vEccLen, _ := c.ReadU16LE()
	return int(vOff), int(vLen), int(vEccOff), int(vEccLen), nil
}

// checkVTOC validates and, on a correctable bit error, repairs the VTOC
// record in place, returning the offset/length of its PT keyword value.
func checkVTOC(work []byte) (ptStart, ptLen int, corrected bool, err error) {
	vOff, vLen, vEccOff, vEccLen, err := vtocPointers(work)
	if err != nil {
		return 0, 0, false, err
	}
	if !cursor.InBounds(len(work), vOff, vLen) || !cursor.InBounds(len(work), vEccOff, vEccLen) {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindTruncated, "VTOC offsets out of bounds")
	}
	nameOff := vOff + jumpToRecordName
	if !cursor.InBounds(len(work), nameOff, recordNameLen) {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindTruncated, "VTOC name out of bounds")
	}
	if string(work[nameOff:nameOff+recordNameLen]) != "VTOC" {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindMalformed, "VTOC record not found")
	}

	status := bitstream.CheckAndCorrect(work[vOff:vOff+vLen], work[vEccOff:vEccOff+vEccLen])
	if status == bitstream.StatusUncorrectable || status == bitstream.StatusWrongEccSize {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindEccUncorrectable, "VTOC ECC check failed")
	}

	// Skip the record name and the "PT" keyword name to its size byte.
	ptTagOff := nameOff + recordNameLen
	if !cursor.InBounds(len(work), ptTagOff, kwNameLen+1) {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindTruncated, "PT keyword out of bounds")
	}
	if string(work[ptTagOff:ptTagOff+kwNameLen]) != "PT" {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindMalformed, "PT keyword not found in VTOC")
	}
	ptSize := int(work[ptTagOff+kwNameLen])
	dataStart := ptTagOff + kwNameLen + 1
	if !cursor.InBounds(len(work), dataStart, ptSize) {
		return 0, 0, false, vpderr.New("ipz.checkVTOC", vpderr.KindTruncated, "PT data out of bounds")
	}
	return dataStart, ptSize, status == bitstream.StatusCorrected, nil
}

// readPTEntries parses the PT keyword value into its fixed 14-byte entries.
func readPTEntries(work []byte, ptStart, ptLen int) ([]ptEntry, error) {
	if ptLen%ptEntrySize != 0 {
		return nil, vpderr.New("ipz.readPTEntries", vpderr.KindMalformed, "PT length is not a multiple of entry size")
	}
	n := ptLen / ptEntrySize
	entries := make([]ptEntry, 0, n)
	c := cursor.At(work, ptStart)
	for i := 0; i < n; i++ {
		nameBytes, err := c.Advance(recordNameLen)
		if err != nil {
			return nil, vpderr.Wrap("ipz.readPTEntries", vpderr.KindTruncated, err)
		}
		if _, err := c.Advance(2); err != nil { // record type, unused
			return nil, vpderr.Wrap("ipz.readPTEntries", vpderr.KindTruncated, err)
		}
		recOff, err := c.ReadU16LE()
		if err != nil {
			return nil, vpderr.Wrap("ipz.readPTEntries", vpderr.KindTruncated, err)
		}
		recLen, err := c.ReadU16LE()
		if err != nil {
			return nil, vpderr.Wrap("ipz.readPTEntries", vpderr.KindTruncated, err)
		}
		eccOff, err := c.ReadU16LE()
		if err != nil {
			return nil, vpderr.Wrap("ipz.readPTEntries", vpderr.KindTruncated, err)
		}
		eccLen, err := c.ReadU16LE()
		if err != nil {
			return nil, vpderr.Wrap("ipz.readPTEntries", vpderr.KindTruncated, err)
		}
		entries = append(entries, ptEntry{
			name:   string(nameBytes),
			recOff: int(recOff), recLen: int(recLen),
			eccOff: int(eccOff), eccLen: int(eccLen),
		})
	}
	return entries, nil
}

type kwEntry struct {
	name        string
	start, size int
}

// readKeywords walks the keyword list starting at pos (the name of the
// first keyword after "RT"), stopping at the "PF" sentinel.
func readKeywords(work []byte, pos int) ([]kwEntry, error) {
	var entries []kwEntry
	c := cursor.At(work, pos)
	for {
		nameBytes, err := c.Advance(kwNameLen)
		if err != nil {
			return nil, vpderr.Wrap("ipz.readKeywords", vpderr.KindTruncated, err)
		}
		name := string(nameBytes)
		if name == lastKeyword {
			return entries, nil
		}
		var size int
		if nameBytes[0] == poundKeywordByte {
			lenBytes, err := c.Advance(2)
			if err != nil {
				return nil, vpderr.Wrap("ipz.readKeywords", vpderr.KindTruncated, err)
			}
			size = int(cursor.ReadU16LE(lenBytes))
		} else {
			b, err := c.ReadByte()
			if err != nil {
				return nil, vpderr.Wrap("ipz.readKeywords", vpderr.KindTruncated, err)
			}
			size = int(b)
		}
		start := c.Pos()
		if _, err := c.Advance(size); err != nil {
			return nil, vpderr.Wrap("ipz.readKeywords", vpderr.KindTruncated, err)
		}
		entries = append(entries, kwEntry{name: name, start: start, size: size})
	}
}

func recordNameAt(work []byte, recordOffset int) (string, error) {
	off := recordOffset + jumpToRecordName
	if !cursor.InBounds(len(work), off, recordNameLen) {
		return "", vpderr.New("ipz.recordNameAt", vpderr.KindTruncated, "record name out of bounds")
	}
	return string(work[off : off+recordNameLen]), nil
}

// Parse walks a complete IPZ blob, producing the nested keyword map, the
// list of structurally or ECC-invalid records, and the list of records
// that needed a single-bit ECC correction. A VHDR or VTOC failure is
// fatal; a per-record failure is recorded in Invalid and the record is
// omitted from Map.
func Parse(buf []byte, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	work := append([]byte(nil), buf...)

	vhdrCorrected, err := checkVHDR(work)
	if err != nil {
		return Result{}, vpderr.Wrap("ipz.Parse", vpderr.KindEccUncorrectable, err)
	}

	ptStart, ptLen, vtocCorrected, err := checkVTOC(work)
	if err != nil {
		return Result{}, err
	}

	entries, err := readPTEntries(work, ptStart, ptLen)
	if err != nil {
		return Result{}, err
	}

	result := Result{Map: Map{}}
	if vhdrCorrected {
		result.Corrected = append(result.Corrected, "VHDR")
		logger.Info("ecc corrected", slog.String("record", "VHDR"))
	}
	if vtocCorrected {
		result.Corrected = append(result.Corrected, "VTOC")
		logger.Info("ecc corrected", slog.String("record", "VTOC"))
	}

	for _, e := range entries {
		if e.recOff == 0 || e.recLen == 0 {
			result.Invalid = append(result.Invalid, InvalidRecord{
				Name: e.name,
				Err:  vpderr.New("ipz.Parse", vpderr.KindDataException, "invalid record offset or length"),
			})
			continue
		}
		if e.eccOff == 0 || e.eccLen == 0 {
			result.Invalid = append(result.Invalid, InvalidRecord{
				Name: e.name,
				Err:  vpderr.New("ipz.Parse", vpderr.KindEccUncorrectable, "invalid ECC offset or length"),
			})
			continue
		}
		if !cursor.InBounds(len(work), e.recOff, e.recLen) || !cursor.InBounds(len(work), e.eccOff, e.eccLen) {
			result.Invalid = append(result.Invalid, InvalidRecord{
				Name: e.name,
				Err:  vpderr.New("ipz.Parse", vpderr.KindTruncated, "record region out of bounds"),
			})
			continue
		}

		status := bitstream.CheckAndCorrect(work[e.recOff:e.recOff+e.recLen], work[e.eccOff:e.eccOff+e.eccLen])
		if status == bitstream.StatusUncorrectable || status == bitstream.StatusWrongEccSize {
			result.Invalid = append(result.Invalid, InvalidRecord{
				Name: e.name,
				Err:  vpderr.New("ipz.Parse", vpderr.KindEccUncorrectable, "record ECC check failed"),
			})
			continue
		}
		if status == bitstream.StatusCorrected {
			result.Corrected = append(result.Corrected, e.name)
			logger.Info("ecc corrected", slog.String("record", e.name))
		}

		name, err := recordNameAt(work, e.recOff)
		if err != nil {
			result.Invalid = append(result.Invalid, InvalidRecord{Name: e.name, Err: err})
			continue
		}
		kwEntries, err := readKeywords(work, e.recOff+jumpToRecordName+recordNameLen)
		if err != nil {
			result.Invalid = append(result.Invalid, InvalidRecord{Name: e.name, Err: err})
			continue
		}

		seen := make(map[string]bool, len(kwEntries))
		duplicate := false
		for _, kw := range kwEntries {
			if seen[kw.name] {
				duplicate = true
				break
			}
			seen[kw.name] = true
		}
		if duplicate {
			result.Invalid = append(result.Invalid, InvalidRecord{
				Name: e.name,
				Err:  vpderr.New("ipz.Parse", vpderr.KindMalformed, "duplicate keyword within record"),
			})
			continue
		}

		kwMap := make(map[string][]byte, len(kwEntries))
		for _, kw := range kwEntries {
			v := make([]byte, kw.size)
			copy(v, work[kw.start:kw.start+kw.size])
			kwMap[kw.name] = v
		}
		result.Map[name] = kwMap
	}

	return result, nil
}

// locateRecord performs an independent header+VTOC+PT walk to find one
// named record, without parsing any keyword the caller did not ask for.
func locateRecord(work []byte, name string) (ptEntry, error) {
	if _, err := checkVHDR(work); err != nil {
		return ptEntry{}, err
	}
	ptStart, ptLen, _, err := checkVTOC(work)
	if err != nil {
		return ptEntry{}, err
	}
	entries, err := readPTEntries(work, ptStart, ptLen)
	if err != nil {
		return ptEntry{}, err
	}
	for _, e := range entries {
		if e.name == name {
			return e, nil
		}
	}
	return ptEntry{}, vpderr.New("ipz.locateRecord", vpderr.KindRecordNotFound,
		fmt.Sprintf("record %q not found in VTOC PT", name))
}

// ReadKeywordFromRecord performs a second, targeted walk from VTOC's PT to
// record_name, without parsing the rest of the blob.
func ReadKeywordFromRecord(buf []byte, recordName, keywordName string) ([]byte, error) {
	work := append([]byte(nil), buf...)
	e, err := locateRecord(work, recordName)
	if err != nil {
		return nil, err
	}
	if !cursor.InBounds(len(work), e.recOff, e.recLen) || !cursor.InBounds(len(work), e.eccOff, e.eccLen) {
		return nil, vpderr.New("ipz.ReadKeywordFromRecord", vpderr.KindTruncated, "record region out of bounds")
	}
	status := bitstream.CheckAndCorrect(work[e.recOff:e.recOff+e.recLen], work[e.eccOff:e.eccOff+e.eccLen])
	if status == bitstream.StatusUncorrectable || status == bitstream.StatusWrongEccSize {
		return nil, vpderr.New("ipz.ReadKeywordFromRecord", vpderr.KindEccUncorrectable, "record ECC check failed")
	}

	entries, err := readKeywords(work, e.recOff+jumpToRecordName+recordNameLen)
	if err != nil {
		return nil, err
	}
	for _, kw := range entries {
		if kw.name == keywordName {
			v := make([]byte, kw.size)
			copy(v, work[kw.start:kw.start+kw.size])
			return v, nil
		}
	}
	return nil, vpderr.New("ipz.ReadKeywordFromRecord", vpderr.KindKeywordNotFound,
		fmt.Sprintf("keyword %q not found in record %q", keywordName, recordName))
}

// Editor binds one open EEPROM stream to its full in-memory snapshot so
// that a write mutates a coherent copy before anything is flushed back.
// Production callers pass an *os.File opened read-write; tests pass an
// in-memory implementation, matching the teacher's t.TempDir()-backed file
// tests in internal/config and internal/audit.
type Editor struct {
	rw     io.ReadWriteSeeker
	buf    []byte
	logger *slog.Logger
}

// OpenEditor reads the entire stream into memory and returns an Editor
// bound to it.
func OpenEditor(rw io.ReadWriteSeeker, logger *slog.Logger) (*Editor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return nil, vpderr.Wrap("ipz.OpenEditor", vpderr.KindIO, err)
	}
	buf, err := io.ReadAll(rw)
	if err != nil {
		return nil, vpderr.Wrap("ipz.OpenEditor", vpderr.KindIO, err)
	}
	return &Editor{rw: rw, buf: buf, logger: logger}, nil
}

func (e *Editor) writeRange(offset int, data []byte) error {
	if _, err := e.rw.Seek(int64(offset), io.SeekStart); err != nil {
		return vpderr.Wrap("ipz.Editor.writeRange", vpderr.KindIO, err)
	}
	if _, err := e.rw.Write(data); err != nil {
		return vpderr.Wrap("ipz.Editor.writeRange", vpderr.KindIO, err)
	}
	return nil
}

// UpdateKeyword overwrites up to min(len(newValue), existing keyword size)
// bytes of keyword data, recomputes the enclosing record's ECC, and
// flushes the keyword range followed by the ECC range to the underlying
// stream. It returns the number of bytes written.
func (e *Editor) UpdateKeyword(record, keyword string, newValue []byte) (int, error) {
	if len(newValue) == 0 {
		return 0, vpderr.New("ipz.Editor.UpdateKeyword", vpderr.KindInvalidArgument, "value must not be empty")
	}

	rec, err := locateRecord(e.buf, record)
	if err != nil {
		return 0, err
	}
	if !cursor.InBounds(len(e.buf), rec.recOff, rec.recLen) || !cursor.InBounds(len(e.buf), rec.eccOff, rec.eccLen) {
		return 0, vpderr.New("ipz.Editor.UpdateKeyword", vpderr.KindTruncated, "record region out of bounds")
	}

	kwEntries, err := readKeywords(e.buf, rec.recOff+jumpToRecordName+recordNameLen)
	if err != nil {
		return 0, err
	}
	var target *kwEntry
	for i := range kwEntries {
		if kwEntries[i].name == keyword {
			target = &kwEntries[i]
			break
		}
	}
	if target == nil {
		return 0, vpderr.New("ipz.Editor.UpdateKeyword", vpderr.KindKeywordNotFound,
			fmt.Sprintf("keyword %q not found in record %q", keyword, record))
	}

	n := len(newValue)
	if target.size < n {
		n = target.size
	}

	working := append([]byte(nil), e.buf...)
	copy(working[target.start:target.start+n], newValue[:n])

	recBytes := append([]byte(nil), working[rec.recOff:rec.recOff+rec.recLen]...)
	ecc := bitstream.CreateECC(recBytes)
	if len(ecc) > rec.eccLen {
		ecc = ecc[:rec.eccLen]
	}
	copy(working[rec.eccOff:rec.eccOff+len(ecc)], ecc)

	if err := e.writeRange(target.start, working[target.start:target.start+n]); err != nil {
		return 0, err
	}
	if err := e.writeRange(rec.eccOff, working[rec.eccOff:rec.eccOff+len(ecc)]); err != nil {
		return 0, err
	}

	e.buf = working
	e.logger.Info("keyword updated", slog.String("record", record), slog.String("keyword", keyword), slog.Int("bytes_written", n))
	return n, nil
}

// FixBrokenECC recomputes and rewrites only the ECC region of record,
// leaving its keyword bytes untouched.
func (e *Editor) FixBrokenECC(record string) error {
	rec, err := locateRecord(e.buf, record)
	if err != nil {
		return err
	}
	if !cursor.InBounds(len(e.buf), rec.recOff, rec.recLen) || !cursor.InBounds(len(e.buf), rec.eccOff, rec.eccLen) {
		return vpderr.New("ipz.Editor.FixBrokenECC", vpderr.KindTruncated, "record region out of bounds")
	}

	ecc := bitstream.CreateECC(e.buf[rec.recOff : rec.recOff+rec.recLen])
	if len(ecc) > rec.eccLen {
		ecc = ecc[:rec.eccLen]
	}
	if err := e.writeRange(rec.eccOff, ecc); err != nil {
		return err
	}
	copy(e.buf[rec.eccOff:rec.eccOff+len(ecc)], ecc)
	e.logger.Info("ecc rewritten", slog.String("record", record))
	return nil
}

// DumpInvalid writes buf to dir under a filename derived from path, for
// operators to inspect a structurally bad or uncorrectable blob. This is
// itself a VPD artifact, not general persistent state.
func DumpInvalid(dir, path string, buf []byte) error {
	name := strings.ReplaceAll(strings.TrimPrefix(path, string(filepath.Separator)), string(filepath.Separator), "_")
	if name == "" {
		name = "unknown"
	}
	target := filepath.Join(dir, name+".bad.vpd")
	if err := os.WriteFile(target, buf, 0o644); err != nil {
		return vpderr.Wrap("ipz.DumpInvalid", vpderr.KindIO, err)
	}
	return nil
}
