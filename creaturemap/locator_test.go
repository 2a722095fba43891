package creaturemap

import (
	"reflect"
	"testing"
)

func TestExtractAbsoluteOperandsMovImm32(t *testing.T) {
	// B8 imm32 -> MOV EAX, imm32
	buf := []byte{0xB8, 0x78, 0x56, 0x34, 0x12}
	got := extractAbsoluteOperands(buf)
	want := []uint32{0x12345678}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestExtractAbsoluteOperandsPushImm32(t *testing.T) {
	buf := []byte{0x68, 0x11, 0x22, 0x33, 0x44}
	got := extractAbsoluteOperands(buf)
	want := []uint32{0x44332211}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestExtractAbsoluteOperandsMovEaxDirect(t *testing.T) {
	buf := []byte{0xA1, 0xAA, 0xBB, 0xCC, 0xDD}
	got := extractAbsoluteOperands(buf)
	want := []uint32{0xDDCCBBAA}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestExtractAbsoluteOperandsLeaDisp32(t *testing.T) {
	// 8D 05 disp32 -> LEA EAX, [disp32]
	buf := []byte{0x8D, 0x05, 0x01, 0x02, 0x03, 0x04}
	got := extractAbsoluteOperands(buf)
	want := []uint32{0x04030201}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestExtractAbsoluteOperandsMovRm32Imm32(t *testing.T) {
	// C7 05 disp32 imm32 -> MOV DWORD PTR [disp32], imm32
	buf := []byte{0xC7, 0x05, 0xEF, 0xBE, 0xAD, 0xDE, 0x00, 0x00, 0x00, 0x00}
	got := extractAbsoluteOperands(buf)
	want := []uint32{0xDEADBEEF}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x", got, want)
	}
}

func TestExtractAbsoluteOperandsDeduplicates(t *testing.T) {
	buf := []byte{
		0xB8, 0x00, 0x00, 0x00, 0x10, // MOV EAX, 0x10000000
		0x68, 0x00, 0x00, 0x00, 0x10, // PUSH 0x10000000 (dup)
	}
	got := extractAbsoluteOperands(buf)
	want := []uint32{0x10000000}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#x, want %#x (should dedupe)", got, want)
	}
}

func TestExtractAbsoluteOperandsIgnoresNoise(t *testing.T) {
	buf := []byte{0x90, 0x90, 0xC3} // NOP NOP RET, no absolute operands
	if got := extractAbsoluteOperands(buf); len(got) != 0 {
		t.Errorf("got %#x, want none", got)
	}
}
