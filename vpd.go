// Package vpd is the public entry point for reading, writing, and
// reconciling IBM/OpenBMC-style Vital Product Data blobs: IPZ records,
// flat KWD blocks, and JEDEC SPD/DDIMM telemetry. It does no parsing of
// its own — it classifies a buffer with internal/detect and dispatches to
// internal/ipz, internal/kwd, or internal/spd, wrapping whichever result
// comes back in the tagged ParsedVPD struct described in package docs
// below. Keep this file to dispatch and re-export only; format-specific
// logic belongs in the internal packages.
package vpd

import (
	"io"
	"log/slog"

	"github.com/fruvpd/vpd/internal/bitstream"
	"github.com/fruvpd/vpd/internal/detect"
	"github.com/fruvpd/vpd/internal/ipz"
	"github.com/fruvpd/vpd/internal/keyword"
	"github.com/fruvpd/vpd/internal/kwd"
	"github.com/fruvpd/vpd/internal/reconcile"
	"github.com/fruvpd/vpd/internal/spd"
	"github.com/fruvpd/vpd/vpderr"
)

// VPDKind identifies which wire format a buffer holds.
type VPDKind = detect.Kind

const (
	Invalid    = detect.Invalid
	IPZ        = detect.IPZ
	KWD        = detect.KWD
	DDR4DDIMM  = detect.DDR4DDIMM
	DDR5DDIMM  = detect.DDR5DDIMM
	DDR4ISDIMM = detect.DDR4ISDIMM
	DDR5ISDIMM = detect.DDR5ISDIMM
)

// ReadSelector and WriteSelector name the keyword (and, for IPZ, the
// record) a ReadKeyword/WriteKeyword call targets.
type ReadSelector = keyword.ReadSelector
type WriteSelector = keyword.WriteSelector

// Mismatch and ReconcileConfig re-export the reconciler's result and
// policy types so callers never need to import internal/reconcile
// directly.
type Mismatch = reconcile.Mismatch
type ReconcileConfig = reconcile.Config
type ReconcileTuple = reconcile.Tuple

// ParsedVPD is a tagged union over the three shapes a VPD blob can parse
// into. Exactly one of IPZRecords, Keywords, or Telemetry is populated,
// selected by Kind; Invalid and Corrected are only ever populated for
// Kind == IPZ.
type ParsedVPD struct {
	Kind VPDKind

	// IPZRecords holds record -> keyword -> value when Kind == IPZ.
	IPZRecords ipz.Map
	// Invalid lists the IPZ records that failed ECC or structural
	// validation and were excluded from IPZRecords.
	Invalid []ipz.InvalidRecord
	// Corrected lists the IPZ record names whose single-bit ECC errors
	// were found and fixed in place during this parse.
	Corrected []string

	// Keywords holds keyword -> value when Kind == KWD.
	Keywords kwd.Map

	// Telemetry holds the SPD field map when Kind is one of the
	// DDR4/DDR5 DDIMM/ISDIMM kinds.
	Telemetry spd.Map
}

var (
	defaultKeywordFacade = keyword.New(nil)
	defaultReconciler    = reconcile.New(nil)
)

// DetectFormat classifies buf without parsing it.
func DetectFormat(buf []byte) VPDKind {
	return detect.Classify(buf)
}

// Parse classifies buf and fully parses it into a ParsedVPD. path is used
// only for log correlation (it names the device or file buf came from);
// it plays no role in classification or parsing.
func Parse(buf []byte, path string) (ParsedVPD, error) {
	logger := slog.Default().With(slog.String("path", path))
	kind := detect.Classify(buf)

	switch kind {
	case detect.IPZ:
		result, err := ipz.Parse(buf, logger)
		if err != nil {
			return ParsedVPD{Kind: kind}, err
		}
		return ParsedVPD{
			Kind:       kind,
			IPZRecords: result.Map,
			Invalid:    result.Invalid,
			Corrected:  result.Corrected,
		}, nil

	case detect.KWD:
		m, err := kwd.Parse(buf)
		if err != nil {
			return ParsedVPD{Kind: kind}, err
		}
		return ParsedVPD{Kind: kind, Keywords: m}, nil

	case detect.DDR4DDIMM:
		m, err := spd.ParseDDIMM(spd.DDR4, buf)
		return ParsedVPD{Kind: kind, Telemetry: m}, err

	case detect.DDR5DDIMM:
		m, err := spd.ParseDDIMM(spd.DDR5, buf)
		return ParsedVPD{Kind: kind, Telemetry: m}, err

	case detect.DDR4ISDIMM:
		m, err := spd.ParseISDIMM(spd.DDR4, buf)
		return ParsedVPD{Kind: kind, Telemetry: m}, err

	case detect.DDR5ISDIMM:
		m, err := spd.ParseISDIMM(spd.DDR5, buf)
		return ParsedVPD{Kind: kind, Telemetry: m}, err

	default:
		return ParsedVPD{Kind: kind}, vpderr.New("vpd.Parse", vpderr.KindMalformed, "buffer does not match any known VPD format")
	}
}

// ReadKeyword reads one keyword's value out of an already-loaded buffer of
// the given kind, applying the cross-format read policy (VHDR/VTOC
// rejection for IPZ).
func ReadKeyword(kind VPDKind, buf []byte, sel ReadSelector) ([]byte, error) {
	return defaultKeywordFacade.ReadKeyword(kind, buf, sel)
}

// WriteKeyword writes one keyword's value to rw, applying the
// cross-format write policy (VHDR/VTOC rejection and ECC recomputation
// for IPZ, checksum rewrite for KWD, rejection for read-only SPD
// telemetry).
func WriteKeyword(kind VPDKind, rw io.ReadWriteSeeker, sel WriteSelector) (int, error) {
	return defaultKeywordFacade.WriteKeyword(kind, rw, sel)
}

// FixECC recomputes and rewrites one IPZ record's ECC region without
// touching its keyword bytes.
func FixECC(rw io.ReadWriteSeeker, record string) error {
	return defaultKeywordFacade.FixECC(detect.IPZ, rw, record)
}

// Reconcile runs the backup-and-restore policy in cfg against src and
// dst, mirroring whichever side still holds a tuple's default value into
// the other and reporting genuine mismatches. The underlying reconciler
// is process-wide: a second call while one is in flight, or after one has
// completed, is a no-op, matching the original's static invocation guard.
func Reconcile(src, dst ipz.Map, cfg *ReconcileConfig) (ipz.Map, ipz.Map, []Mismatch, error) {
	return defaultReconciler.Reconcile(src, dst, cfg)
}

// ComputeECC returns the ECC bytes for data.
func ComputeECC(data []byte) []byte {
	return bitstream.CreateECC(data)
}

// CheckECC validates data against ecc, correcting a single-bit error in
// data in place when possible. It returns corrected=true when a
// correction was applied, and a non-nil error of vpderr.KindEccUncorrectable
// or vpderr.KindInvalidArgument when the data could not be validated.
func CheckECC(data, ecc []byte) (corrected bool, err error) {
	switch bitstream.CheckAndCorrect(data, ecc) {
	case bitstream.StatusOK:
		return false, nil
	case bitstream.StatusCorrected:
		return true, nil
	case bitstream.StatusWrongEccSize:
		return false, vpderr.New("vpd.CheckECC", vpderr.KindInvalidArgument, "ecc buffer is too short for data")
	default:
		return false, vpderr.New("vpd.CheckECC", vpderr.KindEccUncorrectable, "ecc could not correct data")
	}
}
