// Package keyword implements the read/write facade that sits in front of
// the per-format parsers: it applies the cross-format policy spec.md calls
// out explicitly (VHDR/VTOC are never directly readable or writable, SPD
// telemetry is read-only, a KWD write rewrites the trailing checksum)
// before delegating to internal/ipz, internal/kwd, or internal/spd.
package keyword

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fruvpd/vpd/internal/detect"
	"github.com/fruvpd/vpd/internal/ipz"
	"github.com/fruvpd/vpd/internal/kwd"
	"github.com/fruvpd/vpd/internal/spd"
	"github.com/fruvpd/vpd/vpderr"
)

// ReadSelector names one keyword to read. Record is meaningful for IPZ
// blobs only; it is ignored for KWD and SPD blobs, which have no record
// indirection.
type ReadSelector struct {
	Record  string
	Keyword string
}

// WriteSelector names one keyword to write, and the new value.
type WriteSelector struct {
	Record  string
	Keyword string
	Value   []byte
}

const (
	vhdrRecord = "VHDR"
	vtocRecord = "VTOC"
)

// Facade is a stateless dispatcher; every call is self-contained and
// stamped with its own operation ID for log correlation, the way the
// teacher stamps each gRPC/WebSocket session with a uuid in
// internal/server/websocket/handler.go and internal/transport/grpc_client.go.
type Facade struct {
	logger *slog.Logger
}

// New returns a Facade that logs through logger, or slog.Default() if nil.
func New(logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{logger: logger}
}

func isForbiddenRecord(record string) bool {
	return record == vhdrRecord || record == vtocRecord
}

// ReadKeyword reads one keyword out of an already-loaded blob of the given
// kind. It never mutates buf.
func (f *Facade) ReadKeyword(kind detect.Kind, buf []byte, sel ReadSelector) ([]byte, error) {
	opID := uuid.NewString()
	logger := f.logger.With(slog.String("op_id", opID), slog.String("op", "read_keyword"))

	switch kind {
	case detect.IPZ:
		if isForbiddenRecord(sel.Record) {
			return nil, vpderr.New("keyword.ReadKeyword", vpderr.KindInvalidArgument,
				fmt.Sprintf("record %q is not directly readable", sel.Record))
		}
		v, err := ipz.ReadKeywordFromRecord(buf, sel.Record, sel.Keyword)
		if err != nil {
			logger.Warn("read failed", slog.String("record", sel.Record), slog.String("keyword", sel.Keyword), slog.Any("err", err))
			return nil, err
		}
		logger.Info("read ok", slog.String("record", sel.Record), slog.String("keyword", sel.Keyword))
		return v, nil

	case detect.KWD:
		m, err := kwd.Parse(buf)
		if err != nil {
			return nil, err
		}
		v, ok := m[sel.Keyword]
		if !ok {
			return nil, vpderr.New("keyword.ReadKeyword", vpderr.KindKeywordNotFound,
				fmt.Sprintf("keyword %q not found", sel.Keyword))
		}
		logger.Info("read ok", slog.String("keyword", sel.Keyword))
		return v, nil

	case detect.DDR4DDIMM, detect.DDR5DDIMM, detect.DDR4ISDIMM, detect.DDR5ISDIMM:
		m, err := parseSPD(kind, buf)
		if err != nil {
			return nil, err
		}
		v, ok := m[sel.Keyword]
		if !ok {
			return nil, vpderr.New("keyword.ReadKeyword", vpderr.KindKeywordNotFound,
				fmt.Sprintf("keyword %q not found", sel.Keyword))
		}
		switch typed := v.(type) {
		case []byte:
			return typed, nil
		default:
			return []byte(fmt.Sprint(typed)), nil
		}

	default:
		return nil, vpderr.New("keyword.ReadKeyword", vpderr.KindInvalidArgument, "unrecognized VPD kind")
	}
}

// WriteKeyword writes one keyword's value back to rw, validating the
// cross-format policy first: VHDR/VTOC reject, SPD telemetry is read-only,
// and a KWD write rewrites the trailing checksum to stay structurally
// consistent.
func (f *Facade) WriteKeyword(kind detect.Kind, rw io.ReadWriteSeeker, sel WriteSelector) (int, error) {
	opID := uuid.NewString()
	logger := f.logger.With(slog.String("op_id", opID), slog.String("op", "write_keyword"))

	if len(sel.Value) == 0 {
		return 0, vpderr.New("keyword.WriteKeyword", vpderr.KindInvalidArgument, "value must not be empty")
	}

	switch kind {
	case detect.IPZ:
		if isForbiddenRecord(sel.Record) {
			return 0, vpderr.New("keyword.WriteKeyword", vpderr.KindInvalidArgument,
				fmt.Sprintf("record %q is not directly writable", sel.Record))
		}
		ed, err := ipz.OpenEditor(rw, logger)
		if err != nil {
			return 0, err
		}
		n, err := ed.UpdateKeyword(sel.Record, sel.Keyword, sel.Value)
		if err != nil {
			logger.Warn("write failed", slog.String("record", sel.Record), slog.String("keyword", sel.Keyword), slog.Any("err", err))
			return 0, err
		}
		logger.Info("write ok", slog.String("record", sel.Record), slog.String("keyword", sel.Keyword), slog.Int("bytes_written", n))
		return n, nil

	case detect.KWD:
		if _, err := rw.Seek(0, io.SeekStart); err != nil {
			return 0, vpderr.Wrap("keyword.WriteKeyword", vpderr.KindIO, err)
		}
		buf, err := io.ReadAll(rw)
		if err != nil {
			return 0, vpderr.Wrap("keyword.WriteKeyword", vpderr.KindIO, err)
		}
		n, err := kwd.UpdateKeyword(buf, sel.Keyword, sel.Value)
		if err != nil {
			return 0, err
		}

		if _, err := rw.Seek(0, io.SeekStart); err != nil {
			return 0, vpderr.Wrap("keyword.WriteKeyword", vpderr.KindIO, err)
		}
		if _, err := rw.Write(buf); err != nil {
			return 0, vpderr.Wrap("keyword.WriteKeyword", vpderr.KindIO, err)
		}
		logger.Info("write ok, checksum rewritten", slog.String("keyword", sel.Keyword), slog.Int("bytes_written", n))
		return n, nil

	case detect.DDR4DDIMM, detect.DDR5DDIMM, detect.DDR4ISDIMM, detect.DDR5ISDIMM:
		return 0, vpderr.New("keyword.WriteKeyword", vpderr.KindInvalidArgument, "SPD telemetry is read-only")

	default:
		return 0, vpderr.New("keyword.WriteKeyword", vpderr.KindInvalidArgument, "unrecognized VPD kind")
	}
}

// FixECC recomputes and rewrites one IPZ record's ECC region without
// touching its keyword bytes.
func (f *Facade) FixECC(kind detect.Kind, rw io.ReadWriteSeeker, record string) error {
	if kind != detect.IPZ {
		return vpderr.New("keyword.FixECC", vpderr.KindInvalidArgument, "ECC repair is only defined for IPZ blobs")
	}
	if isForbiddenRecord(record) {
		return vpderr.New("keyword.FixECC", vpderr.KindInvalidArgument,
			fmt.Sprintf("record %q is not directly writable", record))
	}
	ed, err := ipz.OpenEditor(rw, f.logger)
	if err != nil {
		return err
	}
	return ed.FixBrokenECC(record)
}

func parseSPD(kind detect.Kind, buf []byte) (spd.Map, error) {
	switch kind {
	case detect.DDR4DDIMM:
		return spd.ParseDDIMM(spd.DDR4, buf)
	case detect.DDR5DDIMM:
		return spd.ParseDDIMM(spd.DDR5, buf)
	case detect.DDR4ISDIMM:
		return spd.ParseISDIMM(spd.DDR4, buf)
	case detect.DDR5ISDIMM:
		return spd.ParseISDIMM(spd.DDR5, buf)
	default:
		return nil, vpderr.New("keyword.parseSPD", vpderr.KindInvalidArgument, "not an SPD-family kind")
	}
}
