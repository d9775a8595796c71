// Package spd decodes JEDEC SPD-derived memory module VPD: the DDR4 and
// DDR5 DDIMM and ISDIMM capacity formulas and their module identification
// fields. Unlike internal/ipz and internal/kwd, there is no wire-format
// round trip here — SPD VPD is read-only telemetry about an installed
// module, never rewritten.
package spd

import (
	"fmt"

	"github.com/fruvpd/vpd/vpderr"
)

// Generation distinguishes the DDR standard a module implements.
type Generation int

const (
	DDR4 Generation = iota
	DDR5
)

// Form distinguishes a DIMM carrying an "11S" manufacturing barcode
// (DDIMM) from an industry-standard DIMM identified by a vendor lookup
// table (ISDIMM).
type Form int

const (
	DDIMM Form = iota
	ISDIMM
)

// Map is the decoded module identity and capacity: MemorySizeInKB plus the
// FN/PN/SN/CC/DI identification keywords, matching the keyword names the
// IPZ and KWD parsers use so all three formats feed the same consumer map.
type Map map[string]any

const (
	byte2   = 2
	byte3   = 3
	byte4   = 4
	byte6   = 6
	byte12  = 12
	byte13  = 13
	byte18  = 18
	byte234 = 234
	byte235 = 235

	jedecSdramCapMask    = 0x0F
	jedecPriBusWidthMask = 0x07
	jedecSdramWidthMask  = 0x07
	jedecNumRanksMask    = 0x38
	jedecDieCountMask    = 0x70

	jedecSingleLoadStack    = 0x02
	jedecSignalLoadingMask  = 0x03
	jedecSdramCapMultiplier = 256
	jedecBusWidthMultiplier = 8
	jedecWidthMultiplier    = 4
	jedecSdramCapReserved   = 7 // values above this in the 4-bit field are reserved
	jedecReservedBits       = 3 // values above this in the 3-bit bus width, SDRAM width and rank fields are reserved
	jedecDieCountShift      = 4

	maskBits01    = 0x03
	maskBits345   = 0x38
	maskBits012   = 0x07
	maskBits567   = 0xE0
	maskBits01234 = 0x1F
	maskBit6      = 0x40
	maskBit7      = 0x80

	primaryBusWidth32 = 32

	densityPerDie24GB = 24
	densityPerDie32GB = 32
	densityPerDie48GB = 48
	densityPerDie64GB = 64

	ddimm11SBarcodeStart = 416
	ddimm11SFormatLen    = 3
	partNumLen           = 7
	serialNumLen         = 12
	ccinLen              = 4

	dramManufacturerIDOffset = 0x228
	dramManufacturerIDLength = 2

	isdimmMfgIDMSBOffset = 321
	isdimmMfgIDLSBOffset = 320
	isdimmSNByte0Offset  = 325
	isdimmSNByte1Offset  = 326
	isdimmSNByte2Offset  = 327
	isdimmSNByte3Offset  = 328

	convertMBToKB = 1024
	convertGBToKB = 1024 * 1024
)

func checkValidValue(byteValue, shift, min, max byte) bool {
	v := byteValue >> shift
	return v >= min && v <= max
}

func ddr5DensityPerDie(v byte) byte {
	if v < 5 {
		return v * 4
	}
	switch v {
	case 5:
		return densityPerDie24GB
	case 6:
		return densityPerDie32GB
	case 7:
		return densityPerDie48GB
	case 8:
		return densityPerDie64GB
	default:
		return 0
	}
}

func ddr5DiePerPackage(v byte) int {
	if v < 2 {
		return int(v) + 1
	}
	return 1 << (v - 1)
}

// ddr4Capacity implements the JEDEC DDR4 SPD capacity formula shared by
// DDIMM and ISDIMM modules, returning the size in KB.
func ddr4Capacity(buf []byte) (int, error) {
	capBits := buf[byte4] & jedecSdramCapMask
	if capBits > jedecSdramCapReserved {
		return 0, vpderr.New("spd.ddr4Capacity", vpderr.KindDataException, "reserved SDRAM capacity bits in byte 4")
	}
	sdramCap := (1 << capBits) * jedecSdramCapMultiplier

	busBits := buf[byte13] & jedecPriBusWidthMask
	if busBits > jedecReservedBits {
		return 0, vpderr.New("spd.ddr4Capacity", vpderr.KindDataException, "reserved primary bus width bits in byte 13")
	}
	primaryBusWidth := (1 << busBits) * jedecBusWidthMultiplier

	widthBits := buf[byte12] & jedecSdramWidthMask
	if widthBits > jedecReservedBits {
		return 0, vpderr.New("spd.ddr4Capacity", vpderr.KindDataException, "reserved SDRAM width bits in byte 12")
	}
	sdramWidth := (1 << widthBits) * jedecWidthMultiplier

	rankBits := (buf[byte12] & jedecNumRanksMask) >> jedecReservedBits
	if rankBits > jedecReservedBits {
		return 0, vpderr.New("spd.ddr4Capacity", vpderr.KindDataException, "reserved rank bits in byte 12")
	}
	logicalRanks := int(rankBits) + 1

	if buf[byte6]&jedecSignalLoadingMask == jedecSingleLoadStack {
		dieCount := int((buf[byte6]&jedecDieCountMask)>>jedecDieCountShift) + 1
		logicalRanks *= dieCount
	}

	sizeMB := (sdramCap / jedecBusWidthMultiplier) * (primaryBusWidth / sdramWidth) * logicalRanks
	return sizeMB * convertMBToKB, nil
}

// ddr5Capacity implements the JEDEC DDR5 SPD capacity formula, returning
// the size in KB. An asymmetrical rank mix or any reserved field value is
// reported as a DataException rather than a best-effort guess.
func ddr5Capacity(buf []byte) (int, error) {
	b235 := buf[byte235]
	if !checkValidValue(b235&maskBits01, 0, 1, 3) || !checkValidValue(b235&maskBits345, 3, 1, 3) {
		return 0, vpderr.New("spd.ddr5Capacity", vpderr.KindDataException, "reserved channel bits in byte 235")
	}
	channelsPerPhy := 0
	if b235&maskBits01 != 0 {
		channelsPerPhy++
	}
	if b235&maskBits345 != 0 {
		channelsPerPhy++
	}
	channelsPerDdimm := (int((b235&maskBit6)>>6) + int((b235&maskBit7)>>7)) * channelsPerPhy

	if !checkValidValue(b235&maskBits012, 0, 1, 3) {
		return 0, vpderr.New("spd.ddr5Capacity", vpderr.KindDataException, "reserved bus width bits in byte 235")
	}
	busWidthPerChannel := 0
	if b235&maskBits012 != 0 {
		busWidthPerChannel = primaryBusWidth32
	}

	b4 := buf[byte4]
	if !checkValidValue(b4&maskBits567, 5, 0, 5) {
		return 0, vpderr.New("spd.ddr5Capacity", vpderr.KindDataException, "reserved die-per-package bits in byte 4")
	}
	diePerPackage := ddr5DiePerPackage((b4 & maskBits567) >> 5)

	if !checkValidValue(b4&maskBits01234, 0, 1, 8) {
		return 0, vpderr.New("spd.ddr5Capacity", vpderr.KindDataException, "reserved density-per-die bits in byte 4")
	}
	densityPerDie := ddr5DensityPerDie(b4 & maskBits01234)

	b234 := buf[byte234]
	ranksPerChannel := 0
	if (b234&maskBit7)>>7 != 0 {
		ranksPerChannel = int((b234&maskBits345)>>3) + 1
	} else if (b235&maskBit6)>>6 != 0 {
		ranksPerChannel = int(b234&maskBits012) + 1
	} else {
		return 0, vpderr.New("spd.ddr5Capacity", vpderr.KindDataException, "asymmetrical or indeterminate rank mix in bytes 234/235")
	}

	if !checkValidValue(buf[byte6]&maskBits567, 5, 0, 3) {
		return 0, vpderr.New("spd.ddr5Capacity", vpderr.KindDataException, "reserved DRAM width bits in byte 6")
	}
	dramWidth := 4 * (1 << ((buf[byte6] & maskBits567) >> 5))

	sizeGB := (channelsPerDdimm * busWidthPerChannel * diePerPackage * int(densityPerDie) * ranksPerChannel) / (8 * dramWidth)
	return sizeGB * convertGBToKB, nil
}

func capacityKB(gen Generation, buf []byte) (int, error) {
	switch gen {
	case DDR5:
		return ddr5Capacity(buf)
	case DDR4:
		return ddr4Capacity(buf)
	default:
		return 0, vpderr.New("spd.capacityKB", vpderr.KindInvalidArgument, "unknown DDR generation")
	}
}

// ParseDDIMM decodes an "11S"-barcoded DDIMM: capacity plus the
// PN/SN/CC/FN/DI identification fields read from their fixed barcode
// offsets.
func ParseDDIMM(gen Generation, buf []byte) (Map, error) {
	const idStart = ddimm11SBarcodeStart + ddimm11SFormatLen
	const idEnd = idStart + partNumLen + serialNumLen + ccinLen
	if len(buf) < idEnd || len(buf) < dramManufacturerIDOffset+dramManufacturerIDLength {
		return nil, vpderr.New("spd.ParseDDIMM", vpderr.KindTruncated, "buffer too short for DDIMM identification fields")
	}

	sizeKB, err := capacityKB(gen, buf)
	if err != nil {
		return nil, err
	}

	pos := idStart
	pn := append([]byte(nil), buf[pos:pos+partNumLen]...)
	pos += partNumLen
	sn := append([]byte(nil), buf[pos:pos+serialNumLen]...)
	pos += serialNumLen
	cc := append([]byte(nil), buf[pos:pos+ccinLen]...)
	di := append([]byte(nil), buf[dramManufacturerIDOffset:dramManufacturerIDOffset+dramManufacturerIDLength]...)

	return Map{
		"MemorySizeInKB": sizeKB,
		"PN":             pn,
		"FN":             append([]byte(nil), pn...),
		"SN":             sn,
		"CC":             cc,
		"DI":             di,
	}, nil
}

// pnFreqToFru resolves a legacy ISDIMM part number plus its MTB frequency
// byte to the displayed FRU number, the way the reference firmware
// resolves a small set of qualified industry-standard parts.
var pnFreqToFru = map[[2]string]string{
	{"8421000", "6"}: "78P4191",
	{"8421008", "6"}: "78P4192",
	{"8529000", "6"}: "78P4197",
	{"8529008", "6"}: "78P4198",
	{"8529928", "6"}: "78P4199",
	{"8529B28", "6"}: "78P4200",
	{"8631928", "6"}: "78P6925",
	{"8529000", "5"}: "78P7317",
	{"8529008", "5"}: "78P7318",
	{"8631008", "5"}: "78P6815",
}

var fruToCCIN = map[string]string{
	"78P4191": "324D", "78P4192": "324E", "78P4197": "324E",
	"78P4198": "324F", "78P4199": "325A", "78P4200": "324C",
	"78P6925": "32BC", "78P7317": "331A", "78P7318": "331F",
	"78P6815": "32BB",
}

const (
	isdimmDensityBankOffset = 4
	isdimmAddrOffset        = 5
	isdimmPriPackageOffset  = 6
	isdimmModuleOrgOffset   = 12
)

// ParseISDIMM decodes an industry-standard DIMM. DDR4 modules are
// identified against a small qualified-parts lookup table; DDR5 ISDIMM
// identification is not yet defined upstream and returns placeholder
// values, matching the reference firmware's own unimplemented stub for
// that path.
func ParseISDIMM(gen Generation, buf []byte) (Map, error) {
	if gen == DDR5 {
		return Map{
			"MemorySizeInKB": 0,
			"PN":             []byte("0123456"),
			"FN":             []byte("FFFFFFF"),
			"SN":             []byte("444444444444"),
			"CC":             []byte("XXXX"),
			"DI":             []byte{0x00, 0x00},
		}, nil
	}

	if len(buf) < isdimmModuleOrgOffset+1 || len(buf) <= isdimmMfgIDMSBOffset {
		return nil, vpderr.New("spd.ParseISDIMM", vpderr.KindTruncated, "buffer too short for ISDIMM identification fields")
	}

	sizeKB, err := ddr4Capacity(buf)
	if err != nil {
		return nil, err
	}

	partNumber := fmt.Sprintf("%02X%02X%02X%X",
		buf[isdimmDensityBankOffset], buf[isdimmAddrOffset],
		buf[isdimmPriPackageOffset], buf[isdimmModuleOrgOffset]&0x0F)

	mtbUnits := buf[byte18]
	fn, ok := pnFreqToFru[[2]string{partNumber, fmt.Sprintf("%d", mtbUnits)}]
	if !ok {
		fn = "FFFFFFF"
	}
	cc, ok := fruToCCIN[fn]
	if !ok {
		cc = "XXXX"
	}

	var sn string
	if len(buf) > isdimmSNByte3Offset {
		sn = fmt.Sprintf("%02X%02X%02X%02X%02X%02X",
			buf[isdimmMfgIDMSBOffset], buf[isdimmMfgIDLSBOffset],
			buf[isdimmSNByte0Offset], buf[isdimmSNByte1Offset],
			buf[isdimmSNByte2Offset], buf[isdimmSNByte3Offset])
	}

	di := make([]byte, dramManufacturerIDLength)
	if len(buf) >= isdimmMfgIDMSBOffset+1 {
		di[0] = buf[isdimmMfgIDLSBOffset]
		di[1] = buf[isdimmMfgIDMSBOffset]
	}

	return Map{
		"MemorySizeInKB": sizeKB,
		"PN":             []byte(fn),
		"FN":             []byte(fn),
		"SN":             []byte(sn),
		"CC":             []byte(cc),
		"DI":             di,
	}, nil
}
