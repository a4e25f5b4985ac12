package hid

import "testing"

func TestParseLibusbPath(t *testing.T) {
	bus, address, err := parseLibusbPath("0003:0011:00")
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	if bus != 3 || address != 17 {
		t.Fatalf("got bus=%d address=%d, want bus=3 address=17", bus, address)
	}
}

func TestParseLibusbPathErrors(t *testing.T) {
	for _, path := range []string{"", "0003", "0003:0011", "zz:0011:00", "0003:zz:00"} {
		if _, _, err := parseLibusbPath(path); err == nil {
			t.Fatalf("path %q: expected error, got nil", path)
		}
	}
}
