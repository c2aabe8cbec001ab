package rfcomm

import "testing"

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("00:02:5B:01:A5:FF")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	want := [6]byte{0xFF, 0xA5, 0x01, 0x5B, 0x02, 0x00}
	if addr != want {
		t.Errorf("Expected % X, got % X", want, addr)
	}

	lower, err := ParseAddress("00:02:5b:01:a5:ff")
	if err != nil || lower != want {
		t.Errorf("Expected lower case to parse the same, got % X (%v)", lower, err)
	}
}

func TestParseAddress_Invalid(t *testing.T) {
	for _, bad := range []string{"", "00:02:5B:01:A5", "00:02:5B:01:A5:FF:00", "00:02:5B:01:A5:GG", "0:02:5B:01:A5:FF", "00-02-5B-01-A5-FF"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

func TestNewDialer_DefaultChannel(t *testing.T) {
	if d := NewDialer(0); d.Channel != DefaultChannel {
		t.Errorf("Expected channel %d, got %d", DefaultChannel, d.Channel)
	}
	if d := NewDialer(5); d.Channel != 5 {
		t.Errorf("Expected channel 5, got %d", d.Channel)
	}
}
