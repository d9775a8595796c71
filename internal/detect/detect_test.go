package detect

import "testing"

func TestClassify(t *testing.T) {
	ddimm := func(dramType, moduleType byte) []byte {
		b := make([]byte, 420)
		b[2] = dramType
		b[3] = moduleType
		copy(b[416:419], []byte("11S"))
		return b
	}

	tests := []struct {
		name string
		buf  []byte
		want Kind
	}{
		{"too short", []byte{0x01, 0x02}, Invalid},
		{"ipz", func() []byte {
			b := make([]byte, 44)
			b[11] = 0x84
			return b
		}(), IPZ},
		{"kwd", []byte{0x82, 0x00, 0x00}, KWD},
		{"ddr4 ddimm", ddimm(0x0C, 0x0A), DDR4DDIMM},
		{"ddr5 ddimm", ddimm(0x12, 0x0A), DDR5DDIMM},
		{"ddr4 isdimm", []byte{0x00, 0x00, 0x0C}, DDR4ISDIMM},
		{"ddr5 isdimm", []byte{0x00, 0x00, 0x12}, DDR5ISDIMM},
		{"invalid", []byte{0x00, 0x00, 0x00}, Invalid},
		{"empty", nil, Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.buf); got != tt.want {
				t.Fatalf("Classify(%v) = %v, want %v", tt.buf, got, tt.want)
			}
		})
	}
}

func TestClassifyIsDeterministicAndDisjoint(t *testing.T) {
	buf := make([]byte, 600)
	buf[11] = 0x84
	if got := Classify(buf); got != IPZ {
		t.Fatalf("ipz precedence: got %v, want IPZ", got)
	}
}
