package ipz

import (
	"bytes"
	"io"
	"testing"

	"github.com/fruvpd/vpd/internal/bitstream"
	"github.com/fruvpd/vpd/vpderr"
)

// buildRecord returns the wire bytes of one IPZ record body: RecordId(1) +
// RecordSize(2 LE) + "RT"(2) + KwSize(1) + RecordName(4) + keywords... +
// "PF". recordName is 4 bytes; keywords is a list of (name, value) pairs.
func buildRecord(recordName string, keywords [][2]string) []byte {
	var body []byte
	body = append(body, 0x00)          // RecordId, unused by the parser
	body = append(body, 0x00, 0x00)    // RecordSize placeholder, unused by the parser
	body = append(body, 'R', 'T')
	body = append(body, byte(len(recordName)))
	body = append(body, []byte(recordName)...)
	for _, kv := range keywords {
		name, val := kv[0], kv[1]
		body = append(body, []byte(name)...)
		body = append(body, byte(len(val)))
		body = append(body, []byte(val)...)
	}
	body = append(body, 'P', 'F')
	return body
}

// buildBlob assembles a minimal, internally consistent IPZ image containing
// VHDR, VTOC (with one PT entry), and one data record.
func buildBlob(recordName string, keywords [][2]string) []byte {
	record := buildRecord(recordName, keywords)

	// Lay out offsets: VHDR (ECC then body) at 0..54, then the VTOC body
	// followed by its ECC, then the data record followed by its ECC.
	vhdrBodyLen := vhdrRecordLength
	vhdrTotalLen := vhdrEccOffset + vhdrEccLength + vhdrBodyLen // ecc(11) + body(44)

	vtocOffset := vhdrTotalLen
	// VTOC body: RecordId+Size+"RT"+KwSize+"VTOC"(4) + "PT" + ptLen(1) + ptData(14)
	ptData := make([]byte, ptEntrySize)
	// placeholders patched in below once final offsets are known
	vtocBody := []byte{0x00, 0x00, 0x00, 'R', 'T', 4}
	vtocBody = append(vtocBody, []byte("VTOC")...)
	vtocBody = append(vtocBody, 'P', 'T', byte(len(ptData)))
	vtocBody = append(vtocBody, ptData...)
	vtocLen := len(vtocBody)
	vtocEccLen := (vtocLen + 3) / 4

	recordOffset := vtocOffset + vtocLen + vtocEccLen
	recordLen := len(record)
	recordEccLen := (recordLen + 3) / 4
	recordEccOffset := recordOffset + recordLen

	total := recordEccOffset + recordEccLen
	buf := make([]byte, total)

	// VHDR body.
	copy(buf[vhdrRecordOffset:], []byte{0x00, 0x00, 0x00, 'R', 'T', 4})
	copy(buf[vhdrRecordOffset+6:], []byte("VHDR"))
	// Pad remainder of VHDR body with 'PF' sentinel plus filler so keyword
	// walk (not exercised for VHDR) never runs off the end.
	copy(buf[vhdrRecordOffset+10:], []byte("PF"))
	// VTOC pointer fields at fixed offsets.
	putU16(buf, vtocPtrOffset, uint16(vtocOffset))
	putU16(buf, vtocPtrOffset+2, uint16(vtocLen))
	putU16(buf, vtocPtrOffset+4, uint16(vhdrTotalLen-vtocEccLen)) // placeholder, fixed below
	putU16(buf, vtocPtrOffset+6, uint16(vtocEccLen))

	vtocEccOffset := vtocOffset + vtocLen
	putU16(buf, vtocPtrOffset+4, uint16(vtocEccOffset))

	// Patch the VTOC's PT entry with the real data-record location.
	copy(ptData[0:4], []byte(recordName))
	putU16(ptData, 6, uint16(recordOffset))
	putU16(ptData, 8, uint16(recordLen))
	putU16(ptData, 10, uint16(recordEccOffset))
	putU16(ptData, 12, uint16(recordEccLen))
	copy(vtocBody[len(vtocBody)-len(ptData):], ptData)

	copy(buf[vtocOffset:], vtocBody)
	copy(buf[vtocEccOffset:], bitstream.CreateECC(buf[vtocOffset:vtocOffset+vtocLen]))

	copy(buf[recordOffset:], record)
	copy(buf[recordEccOffset:], bitstream.CreateECC(buf[recordOffset:recordOffset+recordLen]))

	// VHDR ECC last, once the whole 44-byte body (including the VTOC
	// pointer fields that live within it) is final.
	copy(buf[vhdrEccOffset:], bitstream.CreateECC(buf[vhdrRecordOffset:vhdrRecordOffset+vhdrRecordLength]))

	return buf
}

func putU16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func TestParseGoldenBlob(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{
		{"SN", "1234567890AB"},
		{"PN", "PART123"},
		{"CC", "ABCD"},
	})

	result, err := Parse(buf, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Invalid) != 0 {
		t.Fatalf("unexpected invalid records: %+v", result.Invalid)
	}
	rec, ok := result.Map["VINI"]
	if !ok {
		t.Fatalf("record VINI missing from map: %+v", result.Map)
	}
	if _, present := rec["RT"]; present {
		t.Fatalf("RT pseudo-keyword must not appear in the parsed map")
	}
	if string(rec["SN"]) != "1234567890AB" || string(rec["PN"]) != "PART123" || string(rec["CC"]) != "ABCD" {
		t.Fatalf("unexpected record contents: %+v", rec)
	}
}

func TestParseSingleBitFlipCorrected(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"SN", "ABCDEFG012345"}})
	buf[100] ^= 0x01

	result, err := Parse(buf, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Invalid) != 0 {
		t.Fatalf("unexpected invalid records: %+v", result.Invalid)
	}
	if string(result.Map["VINI"]["SN"]) != "ABCDEFG012345" {
		t.Fatalf("record not correctly recovered: %+v", result.Map["VINI"])
	}
}

func TestParseUncorrectableRecordIsInvalidNotFatal(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"SN", "ABCDEFG012345"}})

	// The data record follows the VTOC, whose PT entry also holds "VINI",
	// so the record's own name is the last occurrence.
	recordOffset := -1
	for i := len(buf) - 4; i >= 0; i-- {
		if bytes.Equal(buf[i:i+4], []byte("VINI")) {
			recordOffset = i - jumpToRecordName
			break
		}
	}
	if recordOffset < 0 {
		t.Fatalf("could not locate record in test fixture")
	}
	// Record bits 0 and 33 (MSB-first) land in the same scrambled 4-byte
	// word, so the double error is detected rather than corrected word by
	// word.
	buf[recordOffset] ^= 0x80
	buf[recordOffset+4] ^= 0x40

	result, err := Parse(buf, nil)
	if err != nil {
		t.Fatalf("Parse returned fatal error for a per-record failure: %v", err)
	}
	if len(result.Invalid) != 1 || result.Invalid[0].Name != "VINI" {
		t.Fatalf("expected VINI in invalid list, got %+v", result.Invalid)
	}
	if !vpderr.Is(result.Invalid[0].Err, vpderr.KindEccUncorrectable) {
		t.Fatalf("expected KindEccUncorrectable, got %v", result.Invalid[0].Err)
	}
	if _, ok := result.Map["VINI"]; ok {
		t.Fatalf("invalid record must not appear in Map")
	}
}

func TestParseDuplicateKeywordIsInvalid(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"SN", "1234567890AB"}, {"SN", "DUPLICATE456"}})

	result, err := Parse(buf, nil)
	if err != nil {
		t.Fatalf("Parse returned fatal error for a per-record failure: %v", err)
	}
	if len(result.Invalid) != 1 || result.Invalid[0].Name != "VINI" {
		t.Fatalf("expected VINI in invalid list, got %+v", result.Invalid)
	}
	if !vpderr.Is(result.Invalid[0].Err, vpderr.KindMalformed) {
		t.Fatalf("expected KindMalformed, got %v", result.Invalid[0].Err)
	}
	if _, ok := result.Map["VINI"]; ok {
		t.Fatalf("record with a duplicate keyword must not appear in Map")
	}
}

func TestReadKeywordFromRecord(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"PN", "PART123"}})

	got, err := ReadKeywordFromRecord(buf, "VINI", "PN")
	if err != nil {
		t.Fatalf("ReadKeywordFromRecord: %v", err)
	}
	if string(got) != "PART123" {
		t.Fatalf("got %q, want PART123", got)
	}

	if _, err := ReadKeywordFromRecord(buf, "VINI", "ZZ"); !vpderr.Is(err, vpderr.KindKeywordNotFound) {
		t.Fatalf("expected KindKeywordNotFound, got %v", err)
	}
	if _, err := ReadKeywordFromRecord(buf, "ZZZZ", "PN"); !vpderr.Is(err, vpderr.KindRecordNotFound) {
		t.Fatalf("expected KindRecordNotFound, got %v", err)
	}
}

type memRWS struct {
	buf []byte
	pos int64
}

func (m *memRWS) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memRWS) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.pos:end], p)
	m.pos = end
	return n, nil
}

func (m *memRWS) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		m.pos = offset
	case 1:
		m.pos += offset
	case 2:
		m.pos = int64(len(m.buf)) + offset
	}
	return m.pos, nil
}

func TestEditorUpdateKeywordWritesKeywordThenECC(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"SN", "ABCDEFG012345"}})
	rw := &memRWS{buf: append([]byte(nil), buf...)}

	ed, err := OpenEditor(rw, nil)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	n, err := ed.UpdateKeyword("VINI", "SN", []byte("ZZZZZZZZZZZZZ"))
	if err != nil {
		t.Fatalf("UpdateKeyword: %v", err)
	}
	if n != len("ABCDEFG012345") {
		t.Fatalf("n = %d, want %d", n, len("ABCDEFG012345"))
	}

	result, err := Parse(rw.buf, nil)
	if err != nil {
		t.Fatalf("re-parse after update: %v", err)
	}
	if string(result.Map["VINI"]["SN"]) != "ZZZZZZZZZZZZZ" {
		t.Fatalf("got %q after update", result.Map["VINI"]["SN"])
	}
}

func TestEditorUpdateKeywordShortValueTruncates(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"SN", "ABCDEFG012345"}})
	rw := &memRWS{buf: append([]byte(nil), buf...)}

	ed, err := OpenEditor(rw, nil)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}
	n, err := ed.UpdateKeyword("VINI", "SN", []byte("AB"))
	if err != nil {
		t.Fatalf("UpdateKeyword: %v", err)
	}
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}

	result, err := Parse(rw.buf, nil)
	if err != nil {
		t.Fatalf("re-parse after short write: %v", err)
	}
	got := result.Map["VINI"]["SN"]
	if string(got[:2]) != "AB" || string(got[2:]) != "ABCDEFG012345"[2:] {
		t.Fatalf("unexpected keyword contents after short write: %q", got)
	}
}

func TestEditorFixBrokenECC(t *testing.T) {
	buf := buildBlob("VINI", [][2]string{{"SN", "ABCDEFG012345"}})
	rw := &memRWS{buf: append([]byte(nil), buf...)}

	ed, err := OpenEditor(rw, nil)
	if err != nil {
		t.Fatalf("OpenEditor: %v", err)
	}

	recordOffset := -1
	for i := len(rw.buf) - 4; i >= 0; i-- {
		if bytes.Equal(rw.buf[i:i+4], []byte("VINI")) {
			recordOffset = i - jumpToRecordName
			break
		}
	}
	if recordOffset < 0 {
		t.Fatalf("could not locate record in test fixture")
	}

	// Break the record's ECC block, which sits right after the record body.
	eccOffset := recordOffset + len(buildRecord("VINI", [][2]string{{"SN", "ABCDEFG012345"}}))
	rw.buf[eccOffset] ^= 0xFF
	rw.buf[eccOffset+1] ^= 0xFF

	if err := ed.FixBrokenECC("VINI"); err != nil {
		t.Fatalf("FixBrokenECC: %v", err)
	}

	result, err := Parse(rw.buf, nil)
	if err != nil {
		t.Fatalf("re-parse after FixBrokenECC: %v", err)
	}
	if len(result.Invalid) != 0 {
		t.Fatalf("unexpected invalid records after ECC fix: %+v", result.Invalid)
	}
}
