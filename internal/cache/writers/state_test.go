package writers

import (
	"errors"
	"testing"
)

func TestNextStepTransitions(t *testing.T) {
	cases := []struct {
		name string
		from State
		ev   Event
		want State
	}{
		{"network read completes", StateNetworkRead, Event{Result: 512}, StateNetworkReadComplete},
		{"successful read proceeds to write", StateNetworkReadComplete, Event{Result: 512}, StateCacheWriteData},
		{"failed read returns to idle", StateNetworkReadComplete, Event{Err: errors.New("reset")}, StateNone},
		{"cache write completes", StateCacheWriteData, Event{Result: 512}, StateCacheWriteDataComplete},
		{"clean write returns to idle", StateCacheWriteDataComplete, Event{Result: 512}, StateNone},
		{"checksum mismatch detours", StateCacheWriteDataComplete, Event{ChecksumMismatch: true}, StateMarkEntryUnusable},
		{"unusable marking completes", StateMarkEntryUnusable, Event{}, StateMarkEntryUnusableComplete},
		{"unusable complete returns to idle", StateMarkEntryUnusableComplete, Event{}, StateNone},
		{"idle stays idle", StateNone, Event{}, StateNone},
	}
	for _, tc := range cases {
		if got := nextStep(tc.from, tc.ev); got != tc.want {
			t.Errorf("%s: nextStep(%v) = %v, want %v", tc.name, tc.from, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateNone.String() != "none" {
		t.Fatalf("StateNone = %q", StateNone.String())
	}
	if StateMarkEntryUnusable.String() != "mark_entry_unusable" {
		t.Fatalf("StateMarkEntryUnusable = %q", StateMarkEntryUnusable.String())
	}
	if State(99).String() != "unknown" {
		t.Fatalf("out of range state should stringify as unknown")
	}
}
