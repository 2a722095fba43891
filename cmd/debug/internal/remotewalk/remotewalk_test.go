package remotewalk

import (
	"reflect"
	"testing"
)

// ExtractAbsoluteOperands mirrors creaturemap's own operand scan; this
// test only checks it stays in sync with that behavior, not the whole
// decode chain (the rest of this package needs a live remote handle).
func TestExtractAbsoluteOperands(t *testing.T) {
	buf := []byte{0xB8, 0x78, 0x56, 0x34, 0x12}
	got := ExtractAbsoluteOperands(buf)
	want := []uint32{0x12345678}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestValidateNameGrammar(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"Aranoc the Elder", true},
		{"ox", false},
		{"ABC", false},
	}
	for _, c := range cases {
		if got := validateNameGrammar([]byte(c.s)); got != c.want {
			t.Errorf("validateNameGrammar(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}
