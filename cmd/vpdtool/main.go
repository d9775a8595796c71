// Command vpdtool is a small command-line front end for the vpd library:
// it detects a blob's wire format, dumps its parsed contents, reads or
// writes one keyword, repairs a broken ECC region, and runs a
// backup-and-restore reconciliation between two VPD files.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fruvpd/vpd"
	"github.com/fruvpd/vpd/internal/ipz"
	"github.com/fruvpd/vpd/internal/reconcile"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "detect":
		err = runDetect(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	case "read":
		err = runRead(os.Args[2:])
	case "write":
		err = runWrite(os.Args[2:])
	case "fixecc":
		err = runFixECC(os.Args[2:])
	case "reconcile":
		err = runReconcile(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "vpdtool: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: vpdtool <command> [flags]

commands:
  detect    -file=PATH
  dump      -file=PATH
  read      -file=PATH -record=NAME -keyword=NAME
  write     -file=PATH -record=NAME -keyword=NAME -value=STRING
  fixecc    -file=PATH -record=NAME
  reconcile -config=PATH -src=PATH -dst=PATH`)
}

func runDetect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	path := fs.String("file", "", "path to the VPD blob")
	fs.Parse(args)

	buf, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	fmt.Println(vpd.DetectFormat(buf))
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	path := fs.String("file", "", "path to the VPD blob")
	fs.Parse(args)

	buf, err := os.ReadFile(*path)
	if err != nil {
		return err
	}

	parsed, err := vpd.Parse(buf, *path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(parsed)
}

func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	path := fs.String("file", "", "path to the VPD blob")
	record := fs.String("record", "", "IPZ record name (ignored for KWD/SPD)")
	keyword := fs.String("keyword", "", "keyword name")
	fs.Parse(args)

	buf, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	kind := vpd.DetectFormat(buf)

	val, err := vpd.ReadKeyword(kind, buf, vpd.ReadSelector{Record: *record, Keyword: *keyword})
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", val)
	return nil
}

func runWrite(args []string) error {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	path := fs.String("file", "", "path to the VPD blob")
	record := fs.String("record", "", "IPZ record name (ignored for KWD)")
	keyword := fs.String("keyword", "", "keyword name")
	value := fs.String("value", "", "new keyword value")
	fs.Parse(args)

	f, err := os.OpenFile(*path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	kind := vpd.DetectFormat(buf)

	n, err := vpd.WriteKeyword(kind, f, vpd.WriteSelector{Record: *record, Keyword: *keyword, Value: []byte(*value)})
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes\n", n)
	return nil
}

func runFixECC(args []string) error {
	fs := flag.NewFlagSet("fixecc", flag.ExitOnError)
	path := fs.String("file", "", "path to the VPD blob")
	record := fs.String("record", "", "IPZ record name")
	fs.Parse(args)

	f, err := os.OpenFile(*path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	return vpd.FixECC(f, *record)
}

func runReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to the backup-and-restore policy JSON")
	srcPath := fs.String("src", "", "path to the source VPD blob")
	dstPath := fs.String("dst", "", "path to the destination VPD blob")
	dumpDir := fs.String("dump-dir", "", "directory to dump either blob into if it fails to parse (optional)")
	fs.Parse(args)

	cfg, err := reconcile.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}

	srcBuf, err := os.ReadFile(*srcPath)
	if err != nil {
		return err
	}
	dstBuf, err := os.ReadFile(*dstPath)
	if err != nil {
		return err
	}

	srcParsed, err := vpd.Parse(srcBuf, *srcPath)
	if err != nil {
		if *dumpDir != "" {
			_ = ipz.DumpInvalid(*dumpDir, *srcPath, srcBuf)
		}
		return fmt.Errorf("parsing source: %w", err)
	}
	dstParsed, err := vpd.Parse(dstBuf, *dstPath)
	if err != nil {
		if *dumpDir != "" {
			_ = ipz.DumpInvalid(*dumpDir, *dstPath, dstBuf)
		}
		return fmt.Errorf("parsing destination: %w", err)
	}

	_, _, mismatches, err := vpd.Reconcile(srcParsed.IPZRecords, dstParsed.IPZRecords, cfg)
	if err != nil {
		return err
	}

	if len(mismatches) == 0 {
		fmt.Println("no mismatches")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(mismatches)
}
