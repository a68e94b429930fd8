package probe

import "testing"

func TestIsPartitionSyspathTrailingDigit(t *testing.T) {
	cases := map[string]bool{
		"/sys/devices/pci0000:00/.../sda":   false,
		"/sys/devices/pci0000:00/.../sda1":  true,
		"/sys/devices/pci0000:00/.../mmcblk0": false,
		"/sys/devices/pci0000:00/.../mmcblk0p1": true,
		"": false,
	}
	for syspath, want := range cases {
		if got := isPartitionSyspath(syspath); got != want {
			t.Errorf("isPartitionSyspath(%q) = %v, want %v", syspath, got, want)
		}
	}
}
