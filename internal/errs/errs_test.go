package errs

import (
	"fmt"
	"testing"
)

func TestClassifyForMetric(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: boom", ErrListen), "listener"},
		{fmt.Errorf("%w: boom", ErrAccept), "listener"},
		{fmt.Errorf("%w: boom", ErrUpgrade), "upgrade"},
		{fmt.Errorf("%w: boom", ErrProtocolError), "protocol"},
		{fmt.Errorf("%w: boom", ErrSensorUnavailable), "sensor"},
		{fmt.Errorf("%w: boom", ErrRateLimited), "rate_limited"},
		{fmt.Errorf("%w: boom", ErrForbidden), "forbidden"},
		{fmt.Errorf("%w: boom", ErrUnknownCommand), "unknown_command"},
		{fmt.Errorf("%w: boom", ErrTimeout), "timeout"},
		{fmt.Errorf("%w: boom", ErrCapacity), "capacity"},
		{fmt.Errorf("unrelated error"), "other"},
	}
	for _, tc := range cases {
		if got := ClassifyForMetric(tc.err); got != tc.want {
			t.Errorf("ClassifyForMetric(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindConfigInvalid.String() != "config_invalid" {
		t.Errorf("KindConfigInvalid.String() = %q", KindConfigInvalid.String())
	}
	if KindInternal.String() != "internal" {
		t.Errorf("KindInternal.String() = %q", KindInternal.String())
	}
}
