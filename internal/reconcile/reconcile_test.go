package reconcile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruvpd/vpd/internal/ipz"
)

func baseConfig() *Config {
	return &Config{
		Type: "IPZ",
		BackupMap: []Tuple{
			{
				SourceRecord: "VSYS", SourceKeyword: "BR",
				DestinationRecord: "VSYS", DestinationKeyword: "BR",
				DefaultValue: []byte("default"),
			},
		},
	}
}

func TestReconcileMirrorsSourceIntoDefaultDestination(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("real-value")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("default")}}

	r := New(nil)
	gotSrc, gotDst, mismatches, err := r.Reconcile(src, dst, baseConfig())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("unexpected mismatches: %+v", mismatches)
	}
	if !bytes.Equal(gotDst["VSYS"]["BR"], []byte("real-value")) {
		t.Fatalf("destination not mirrored: %q", gotDst["VSYS"]["BR"])
	}
	if !bytes.Equal(gotSrc["VSYS"]["BR"], []byte("real-value")) {
		t.Fatalf("source should be untouched: %q", gotSrc["VSYS"]["BR"])
	}
	if r.Status() != Completed {
		t.Fatalf("status = %v, want Completed", r.Status())
	}
}

func TestReconcileMirrorsDestinationIntoDefaultSource(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("default")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("real-value")}}

	r := New(nil)
	gotSrc, _, mismatches, err := r.Reconcile(src, dst, baseConfig())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("unexpected mismatches: %+v", mismatches)
	}
	if !bytes.Equal(gotSrc["VSYS"]["BR"], []byte("real-value")) {
		t.Fatalf("source not mirrored: %q", gotSrc["VSYS"]["BR"])
	}
}

func TestReconcileRealMismatchIsReported(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("value-a")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("value-b")}}

	r := New(nil)
	_, _, mismatches, err := r.Reconcile(src, dst, baseConfig())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("got %d mismatches, want 1", len(mismatches))
	}
	if mismatches[0].Reason != "mismatch between source and destination" {
		t.Fatalf("reason = %q", mismatches[0].Reason)
	}
}

func TestReconcileBothDefaultWithPelRequired(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("default")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("default")}}

	cfg := baseConfig()
	cfg.BackupMap[0].IsPelRequired = true

	r := New(nil)
	_, _, mismatches, err := r.Reconcile(src, dst, cfg)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("got %d mismatches, want 1", len(mismatches))
	}
}

func TestReconcileSecondInvocationIsNoOp(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("value-a")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("value-b")}}

	r := New(nil)
	if _, _, _, err := r.Reconcile(src, dst, baseConfig()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	_, _, mismatches, err := r.Reconcile(src, dst, baseConfig())
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if mismatches != nil {
		t.Fatalf("expected no-op on second call, got %+v", mismatches)
	}
}

func TestReconcileUnsupportedTypeLeavesStatusInvoked(t *testing.T) {
	cfg := baseConfig()
	cfg.Type = "KWD"

	r := New(nil)
	_, _, _, err := r.Reconcile(ipz.Map{}, ipz.Map{}, cfg)
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if r.Status() != Invoked {
		t.Fatalf("status = %v, want Invoked", r.Status())
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.json")
	doc := `{
		"type": "IPZ",
		"backupMap": [
			{
				"sourceRecord": "VSYS",
				"sourceKeyword": "BR",
				"destinationRecord": "VSYS",
				"destinationKeyword": "BR",
				"defaultValue": [100, 101, 102],
				"isPelRequired": true
			}
		]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Type != "IPZ" {
		t.Fatalf("Type = %q", cfg.Type)
	}
	if len(cfg.BackupMap) != 1 || cfg.BackupMap[0].SourceRecord != "VSYS" {
		t.Fatalf("BackupMap = %+v", cfg.BackupMap)
	}
}

func TestLoadConfigMissingBackupMapLoadsSuccessfully(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.json")
	if err := os.WriteFile(path, []byte(`{"type":"IPZ"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.BackupMap) != 0 {
		t.Fatalf("BackupMap = %+v, want empty", cfg.BackupMap)
	}
}

func TestLoadConfigMissingTypeLoadsSuccessfully(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Type != "" {
		t.Fatalf("Type = %q, want empty", cfg.Type)
	}
}

func TestReconcileNoOpWhenBackupMapMissing(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("value-a")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("value-b")}}

	r := New(nil)
	gotSrc, gotDst, mismatches, err := r.Reconcile(src, dst, &Config{Type: "IPZ"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if mismatches != nil {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
	if !bytes.Equal(gotSrc["VSYS"]["BR"], []byte("value-a")) || !bytes.Equal(gotDst["VSYS"]["BR"], []byte("value-b")) {
		t.Fatalf("maps should be returned unchanged")
	}
	if r.Status() != Completed {
		t.Fatalf("status = %v, want Completed", r.Status())
	}
}

func TestReconcileNoOpWhenTypeMissing(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("value-a")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("value-b")}}

	cfg := baseConfig()
	cfg.Type = ""

	r := New(nil)
	_, _, mismatches, err := r.Reconcile(src, dst, cfg)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if mismatches != nil {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
	if r.Status() != Completed {
		t.Fatalf("status = %v, want Completed", r.Status())
	}
}

func TestReconcileNoOpWhenConfigNil(t *testing.T) {
	src := ipz.Map{"VSYS": {"BR": []byte("value-a")}}
	dst := ipz.Map{"VSYS": {"BR": []byte("value-b")}}

	r := New(nil)
	_, _, mismatches, err := r.Reconcile(src, dst, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if mismatches != nil {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
	if r.Status() != Completed {
		t.Fatalf("status = %v, want Completed", r.Status())
	}
}
