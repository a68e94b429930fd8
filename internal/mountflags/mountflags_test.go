package mountflags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOptionsDefaults(t *testing.T) {
	flags, data := ParseOptions("nosuid,nodev")
	require.Equal(t, NOSUID|NODEV, flags)
	require.Empty(t, data)
}

func TestParseOptionsDiscardsNoiseTokens(t *testing.T) {
	flags, data := ParseOptions("auto,noauto,user,nouser,fs=vfat,noatime")
	require.Equal(t, NOATIME, flags)
	require.Empty(t, data, "all tokens should be discarded or consumed as flags")
}

func TestParseOptionsResidualForwarding(t *testing.T) {
	_, data := ParseOptions("utf8,uid=1000,nosuid")
	require.Equal(t, "utf8,uid=1000", data)
}

func TestParseOptionsOffFormClearsFlag(t *testing.T) {
	flags, _ := ParseOptions("nosuid,suid")
	require.Zero(t, flags, "suid should cancel nosuid")
}

func TestRoundTripFlagsAndResidual(t *testing.T) {
	flags, data := ParseOptions("noatime,nodev,uid=1000,utf8")
	out := Compose(flags, data)

	flags2, data2 := ParseOptions(out)
	require.Equal(t, flags, flags2, "round-trip flags must match")
	require.Equal(t, "uid=1000,utf8", data2, "round-trip residual, sorted")
}

func TestToUnixFlags(t *testing.T) {
	f := RDONLY | NOSUID
	require.NotZero(t, f.ToUnixFlags())
}
