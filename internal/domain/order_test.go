package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_AuthoritativeTable(t *testing.T) {
	active := []string{
		"DON", "QUE", "QUEUED", "ACK", "REC", "RECEIVED", "NEW", "OPEN",
		"PENDING", "PND", "PARTIALLY_FILLED", "PARTIAL", "WORKING", "ACTIVE",
	}
	inactive := []string{
		"FILLED", "FIL", "FLL", "CANCELED", "CAN", "CANCELLED", "EXPIRED",
		"EXP", "REJECTED", "REJ", "OUT", "CLOSED",
	}

	for _, code := range active {
		norm, recognized := Normalize(code)
		require.True(t, recognized, "code %q should be recognized", code)
		require.Equal(t, StatusActive, norm, "code %q should normalize to ACTIVE", code)
	}
	for _, code := range inactive {
		norm, recognized := Normalize(code)
		require.True(t, recognized, "code %q should be recognized", code)
		require.Equal(t, StatusInactive, norm, "code %q should normalize to INACTIVE", code)
	}
}

func TestNormalize_UnknownCode_DefaultsToInactiveUnrecognized(t *testing.T) {
	norm, recognized := Normalize("SOME_FUTURE_BROKER_CODE")
	require.False(t, recognized)
	require.Equal(t, StatusInactive, norm, "unknown codes must default to the safer INACTIVE classification")
}

// R2 — applying Normalize twice on the identical input is equivalent to
// applying it once (idempotence of the lookup table).
func TestNormalize_Idempotent(t *testing.T) {
	for _, code := range []string{"ACK", "FIL", "bogus"} {
		first, _ := Normalize(code)
		second, _ := Normalize(code)
		require.Equal(t, first, second)
	}
}

func TestOrder_IsStopLimit_ToleratesCaseAndSeparators(t *testing.T) {
	cases := []struct {
		typeRaw string
		want    bool
	}{
		{"stop_limit", true},
		{"STOP_LIMIT", true},
		{"stop-limit", true},
		{"StopLimit", true},
		{"stoplimit", true},
		{"limit", false},
		{"market", false},
		{"", false},
	}
	for _, c := range cases {
		o := &Order{TypeRaw: c.typeRaw}
		require.Equal(t, c.want, o.IsStopLimit(), "typeRaw=%q", c.typeRaw)
	}
}
