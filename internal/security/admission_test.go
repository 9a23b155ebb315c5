package security

import (
	"net"
	"net/netip"
	"testing"
)

func TestIsPrivateScope(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"10.0.0.5", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
	}
	for _, tc := range cases {
		t.Run(tc.addr, func(t *testing.T) {
			if got := IsPrivateScope(mustAddr(t, tc.addr)); got != tc.want {
				t.Fatalf("IsPrivateScope(%s) = %v, want %v", tc.addr, got, tc.want)
			}
		})
	}
}

func TestAdmitAddr_AllowExternalBypassesScope(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("8.8.8.8"), Port: 1234}
	if !AdmitAddr(addr, true) {
		t.Fatal("expected public address admitted when allowExternalIp=true")
	}
}

func TestAdmitAddr_RefusesPublicByDefault(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("8.8.8.8"), Port: 1234}
	if AdmitAddr(addr, false) {
		t.Fatal("expected public address refused when allowExternalIp=false")
	}
}

func TestAdmitAddr_AllowsLoopback(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	if !AdmitAddr(addr, false) {
		t.Fatal("expected loopback admitted")
	}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%s): %v", s, err)
	}
	return a
}
