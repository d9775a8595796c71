package reconcile

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fruvpd/vpd/internal/ipz"
	"github.com/fruvpd/vpd/vpderr"
)

// Status is the reconciler's monotone lifecycle state. It only ever moves
// forward: NotStarted -> Invoked -> Completed. A Reconciler that errors or
// meets an unsupported Config.Type sticks at Invoked rather than rolling
// back, matching BackupAndRestoreStatus in the original implementation.
type Status int32

const (
	NotStarted Status = iota
	Invoked
	Completed
)

func (s Status) String() string {
	switch s {
	case Invoked:
		return "Invoked"
	case Completed:
		return "Completed"
	default:
		return "NotStarted"
	}
}

// Mismatch records one record/keyword pair whose source and destination
// values disagree and neither side held the default value, or a pair
// where both sides still hold the default and the policy flagged that as
// notable.
type Mismatch struct {
	SourceRecord       string
	SourceKeyword      string
	DestinationRecord  string
	DestinationKeyword string
	SourceValue        []byte
	DestinationValue   []byte
	Reason             string
}

// Reconciler runs one backup-and-restore policy against a pair of parsed
// IPZ maps. A single Reconciler enforces the original's "invoked already"
// guard across repeated calls; build a new Reconciler to run again.
type Reconciler struct {
	status atomic.Int32
	logger *slog.Logger
}

// New returns a Reconciler that logs through logger, or slog.Default() if
// nil.
func New(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger}
}

// Status reports the reconciler's current lifecycle state.
func (r *Reconciler) Status() Status {
	return Status(r.status.Load())
}

// Reconcile walks cfg.BackupMap, mirroring whichever side still holds the
// tuple's default value into the other, and reporting every pair that
// disagrees for a reason other than "not yet programmed". src and dst are
// mutated in place to keep the returned maps and the caller's maps in
// sync, the way the original updates io_srcVpdMap/io_dstVpdMap alongside
// the hardware write.
//
// A second call on the same Reconciler while one is already running, or
// after one has completed, is a no-op: it returns the maps unchanged with
// no error, exactly like the original returning the empty variant pair
// when m_backupAndRestoreStatus is already >= Invoked.
func (r *Reconciler) Reconcile(src, dst ipz.Map, cfg *Config) (ipz.Map, ipz.Map, []Mismatch, error) {
	opID := uuid.NewString()
	logger := r.logger.With(slog.String("op_id", opID), slog.String("op", "reconcile"))

	if !r.status.CompareAndSwap(int32(NotStarted), int32(Invoked)) {
		logger.Info("backup and restore invoked already", slog.String("status", r.Status().String()))
		return src, dst, nil, nil
	}

	if cfg == nil || cfg.Type == "" || len(cfg.BackupMap) == 0 {
		logger.Info("backup and restore config has no type or backupMap, no-op reconcile")
		r.status.Store(int32(Completed))
		return src, dst, nil, nil
	}

	if cfg.Type != "IPZ" {
		logger.Warn("unsupported backup and restore type, leaving status at Invoked", slog.String("type", cfg.Type))
		return src, dst, nil, vpderr.New("reconcile.Reconcile", vpderr.KindInvalidArgument,
			fmt.Sprintf("unsupported backup and restore type %q", cfg.Type))
	}

	var mismatches []Mismatch
	for _, t := range cfg.BackupMap {
		m, err := reconcileTuple(logger, src, dst, t)
		if err != nil {
			logger.Warn("skipping tuple", slog.String("source_record", t.SourceRecord), slog.String("source_keyword", t.SourceKeyword), slog.Any("err", err))
			continue
		}
		if m != nil {
			mismatches = append(mismatches, *m)
		}
	}

	r.status.Store(int32(Completed))
	return src, dst, mismatches, nil
}

// reconcileTuple applies one backup-map entry. It returns a non-nil
// Mismatch when the pair genuinely disagrees (or, with IsPelRequired,
// when both sides still hold the default), and a non-nil error when the
// tuple could not be evaluated at all (missing record, missing keyword).
func reconcileTuple(logger *slog.Logger, src, dst ipz.Map, t Tuple) (*Mismatch, error) {
	if len(src) > 0 {
		rec, ok := src[t.SourceRecord]
		if !ok {
			return nil, vpderr.New("reconcile.reconcileTuple", vpderr.KindRecordNotFound,
				fmt.Sprintf("record %q not found in source", t.SourceRecord))
		}
		if _, ok := rec[t.SourceKeyword]; !ok {
			return nil, vpderr.New("reconcile.reconcileTuple", vpderr.KindKeywordNotFound,
				fmt.Sprintf("keyword %q not found in source record %q", t.SourceKeyword, t.SourceRecord))
		}
	}
	if len(dst) > 0 {
		rec, ok := dst[t.DestinationRecord]
		if !ok {
			return nil, vpderr.New("reconcile.reconcileTuple", vpderr.KindRecordNotFound,
				fmt.Sprintf("record %q not found in destination", t.DestinationRecord))
		}
		if _, ok := rec[t.DestinationKeyword]; !ok {
			return nil, vpderr.New("reconcile.reconcileTuple", vpderr.KindKeywordNotFound,
				fmt.Sprintf("keyword %q not found in destination record %q", t.DestinationKeyword, t.DestinationRecord))
		}
	}

	srcVal := src[t.SourceRecord][t.SourceKeyword]
	dstVal := dst[t.DestinationRecord][t.DestinationKeyword]

	if bytes.Equal(srcVal, dstVal) {
		if bytes.Equal(srcVal, t.DefaultValue) && t.IsPelRequired {
			logger.Warn("default value found on both source and destination",
				slog.String("source_record", t.SourceRecord), slog.String("source_keyword", t.SourceKeyword))
			return &Mismatch{
				SourceRecord: t.SourceRecord, SourceKeyword: t.SourceKeyword,
				DestinationRecord: t.DestinationRecord, DestinationKeyword: t.DestinationKeyword,
				SourceValue: srcVal, DestinationValue: dstVal,
				Reason: "default value found on both source and destination",
			}, nil
		}
		return nil, nil
	}

	switch {
	case bytes.Equal(dstVal, t.DefaultValue):
		setKeyword(dst, t.DestinationRecord, t.DestinationKeyword, srcVal)
		logger.Info("mirrored source into destination", slog.String("destination_record", t.DestinationRecord), slog.String("destination_keyword", t.DestinationKeyword))
		return nil, nil

	case bytes.Equal(srcVal, t.DefaultValue):
		setKeyword(src, t.SourceRecord, t.SourceKeyword, dstVal)
		logger.Info("mirrored destination into source", slog.String("source_record", t.SourceRecord), slog.String("source_keyword", t.SourceKeyword))
		return nil, nil

	default:
		logger.Warn("mismatch between source and destination",
			slog.String("source_record", t.SourceRecord), slog.String("source_keyword", t.SourceKeyword))
		return &Mismatch{
			SourceRecord: t.SourceRecord, SourceKeyword: t.SourceKeyword,
			DestinationRecord: t.DestinationRecord, DestinationKeyword: t.DestinationKeyword,
			SourceValue: srcVal, DestinationValue: dstVal,
			Reason: "mismatch between source and destination",
		}, nil
	}
}

func setKeyword(m ipz.Map, record, keyword string, value []byte) {
	if m == nil {
		return
	}
	if m[record] == nil {
		m[record] = map[string][]byte{}
	}
	cp := append([]byte(nil), value...)
	m[record][keyword] = cp
}
