package types

import "testing"

func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "cochainioicp"},
		{in: "cochainrelay"},
		{in: "eosio.token"},
		{in: "a"},
		{in: "zzzzzzzzzzzzj"},
		{in: "zzzzzzzzzzzzz", wantErr: true},
		{in: "Upper", wantErr: true},
		{in: "has space", wantErr: true},
		{in: "toolongname.abc", wantErr: true},
		{in: "six6", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := ParseName(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseName(%q) should fail", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseName(%q) error: %v", tt.in, err)
			}
			if n.String() != tt.in {
				t.Errorf("String() = %q, want %q", n.String(), tt.in)
			}
		})
	}
}

func TestName_KnownValue(t *testing.T) {
	// "eosio" encodes to 0x5530ea0000000000.
	n := MustName("eosio")
	if uint64(n) != 0x5530ea0000000000 {
		t.Errorf("eosio = %#x, want %#x", uint64(n), uint64(0x5530ea0000000000))
	}
}

func TestParsePermissionLevel(t *testing.T) {
	p, err := ParsePermissionLevel("cochainrelay@owner")
	if err != nil {
		t.Fatalf("ParsePermissionLevel() error: %v", err)
	}
	if p.String() != "cochainrelay@owner" {
		t.Errorf("String() = %q", p.String())
	}

	p, err = ParsePermissionLevel("cochainrelay")
	if err != nil {
		t.Fatalf("ParsePermissionLevel() error: %v", err)
	}
	if p.Permission.String() != DefaultPermission {
		t.Errorf("Permission = %q, want %q", p.Permission, DefaultPermission)
	}

	for _, bad := range []string{"@active", "relay@", "Bad@active"} {
		if _, err := ParsePermissionLevel(bad); err == nil {
			t.Errorf("ParsePermissionLevel(%q) should fail", bad)
		}
	}
}
