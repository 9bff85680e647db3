package util

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantsOK bool
	}{
		{"+79991234567", "+79991234567", true},
		{"89991234567", "+79991234567", true},
		{"8 (999) 123-45-67", "+79991234567", true},
		{"79991234567", "+79991234567", true},
		{"not a phone", "", false},
		{"", "", false},
		{"123", "", false},
	}
	for _, c := range cases {
		got, ok := NormalizePhone(c.in)
		if ok != c.wantsOK {
			t.Errorf("NormalizePhone(%q) ok = %v, want %v", c.in, ok, c.wantsOK)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePhoneIdempotent(t *testing.T) {
	first, ok := NormalizePhone("8 999 123 45 67")
	if !ok {
		t.Fatal("expected valid number")
	}
	second, ok := NormalizePhone(first)
	if !ok {
		t.Fatal("normalized value should still be valid")
	}
	if second != first {
		t.Errorf("normalization not idempotent: %q -> %q", first, second)
	}
}
