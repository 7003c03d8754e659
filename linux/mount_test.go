package linux

import "testing"

func TestBindMountRemountFlags(t *testing.T) {
	tests := []struct {
		name string
		m    BindMount
		want uintptr
	}{
		{"defaults", BindMount{}, MS_BIND | MS_REMOUNT | MS_PRIVATE},
		{"read only", BindMount{ReadOnly: true}, MS_BIND | MS_REMOUNT | MS_PRIVATE | MS_RDONLY},
		{"no exec", BindMount{NoExec: true}, MS_BIND | MS_REMOUNT | MS_PRIVATE | MS_NOEXEC},
		{
			"every flag",
			BindMount{ReadOnly: true, NoExec: true, NoSuid: true, NoDev: true},
			MS_BIND | MS_REMOUNT | MS_PRIVATE | MS_RDONLY | MS_NOEXEC | MS_NOSUID | MS_NODEV,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.remountFlags(); got != tt.want {
				t.Errorf("remountFlags() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestAutoDevicesList(t *testing.T) {
	want := map[string]bool{"/dev/null": true, "/dev/zero": true, "/dev/random": true, "/dev/urandom": true}
	if len(autoDevices) != len(want) {
		t.Fatalf("autoDevices has %d entries, want %d", len(autoDevices), len(want))
	}
	for _, d := range autoDevices {
		if !want[d] {
			t.Errorf("unexpected auto-bound device %q", d)
		}
	}
}
