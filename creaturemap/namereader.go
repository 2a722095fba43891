package creaturemap

import "dbvbot/memsafe"

// ReadName implements §4.4a. Grammar and SSO layout are taken verbatim
// from original_source/dll/dbvbot.cpp's try_read_name/validate_name:
// size@+16 / capacity@+20 relative to base, inline data when capacity<16,
// else a heap pointer at base+0.
func ReadName(base uintptr) (string, bool) {
	size, ok := memsafe.ReadU32(base + 16)
	if !ok || size == 0 || size > 30 {
		return "", false
	}
	capacity, ok := memsafe.ReadU32(base + 20)
	if !ok || capacity < size || capacity >= 256 {
		return "", false
	}

	var data []byte
	if capacity < 16 {
		data, ok = memsafe.ReadBytes(base, int(size))
		if !ok {
			return "", false
		}
	} else {
		heapPtr, ok := memsafe.ReadU32(base)
		if !ok || !memsafe.IsValidPtr(heapPtr) {
			return "", false
		}
		data, ok = memsafe.ReadBytes(uintptr(heapPtr), int(size))
		if !ok {
			return "", false
		}
	}

	if !validateNameGrammar(data) {
		return "", false
	}
	return string(data), true
}

// validateNameGrammar is is_name_char/validate_name ported unchanged:
// length 3..30, first char A-Z, every char in [A-Za-z0-9 '.\-], at
// least one lowercase, no lowercase→uppercase transition.
func validateNameGrammar(s []byte) bool {
	if len(s) < 3 || len(s) > 30 {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	hasLower := false
	for i, c := range s {
		if !isNameChar(c) {
			return false
		}
		if c >= 'a' && c <= 'z' {
			hasLower = true
		}
		if i > 0 {
			prev := s[i-1]
			if prev >= 'a' && prev <= 'z' && c >= 'A' && c <= 'Z' {
				return false
			}
		}
	}
	return hasLower
}

func isNameChar(c byte) bool {
	switch {
	case c == ' ' || c == '\'' || c == '-' || c == '.':
		return true
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	}
	return false
}
