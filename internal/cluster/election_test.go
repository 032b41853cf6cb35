package cluster

import "testing"

func TestElectLeaderPicksMinEndpoint(t *testing.T) {
	got := electLeader([]string{"127.0.0.1:9102", "127.0.0.1:9100", "127.0.0.1:9101"})
	if got != "127.0.0.1:9100" {
		t.Fatalf("electLeader = %q, want %q", got, "127.0.0.1:9100")
	}
}

func TestElectLeaderEmptySet(t *testing.T) {
	if got := electLeader(nil); got != "" {
		t.Fatalf("electLeader(nil) = %q, want empty", got)
	}
}

func TestElectLeaderIsDeterministicRegardlessOfOrder(t *testing.T) {
	a := electLeader([]string{"b", "a", "c"})
	b := electLeader([]string{"c", "b", "a"})
	if a != b || a != "a" {
		t.Fatalf("electLeader order-dependent: a=%q b=%q", a, b)
	}
}
