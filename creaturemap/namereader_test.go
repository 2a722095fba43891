package creaturemap

import "testing"

func TestValidateNameGrammar(t *testing.T) {
	cases := []struct {
		name string
		s    string
		want bool
	}{
		{"valid mixed case", "Aranoc the Elder", true},
		{"valid short", "Rat", true},
		{"too short", "Ox", false},
		{"lowercase start", "aranoc", false},
		{"no lowercase at all", "ABC", false},
		{"lower to upper transition", "AbCd", false},
		{"apostrophe and dash allowed", "N'Zoth-Prime", true},
		{"digit allowed", "Guard 2", true},
		{"invalid punctuation", "Guard!", false},
		{"empty", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := validateNameGrammar([]byte(c.s)); got != c.want {
				t.Errorf("validateNameGrammar(%q) = %v, want %v", c.s, got, c.want)
			}
		})
	}
}

func TestIsNameChar(t *testing.T) {
	for _, c := range []byte(" '-.abcXYZ019") {
		if !isNameChar(c) {
			t.Errorf("isNameChar(%q) = false, want true", c)
		}
	}
	for _, c := range []byte("!@#\t\n") {
		if isNameChar(c) {
			t.Errorf("isNameChar(%q) = true, want false", c)
		}
	}
}
