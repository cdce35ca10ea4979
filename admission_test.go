package httpcore

import (
	"net"
	"testing"
)

func TestAdmission_GlobalCapCrossed(t *testing.T) {
	a := NewAdmission(2, 100)

	ok1, rel1 := a.TryAdmit("a", false)
	ok2, rel2 := a.TryAdmit("b", false)
	if !ok1 || !ok2 {
		t.Fatalf("first two admissions should succeed: ok1=%v ok2=%v", ok1, ok2)
	}

	ok3, rel3 := a.TryAdmit("c", false)
	if ok3 {
		t.Fatal("third admission should be rejected once the global cap is crossed")
	}
	if rel3 != nil {
		t.Fatal("rejected admission must return a nil release")
	}

	g, _ := a.Snapshot()
	if g != 2 {
		t.Fatalf("global count after rejection = %d, want 2 (rollback)", g)
	}

	rel1()
	ok4, rel4 := a.TryAdmit("d", false)
	if !ok4 {
		t.Fatal("admission should succeed again after a release frees a slot")
	}
	rel2()
	rel4()
}

func TestAdmission_PerBlockCapCrossed(t *testing.T) {
	a := NewAdmission(100, 1)

	ok1, rel1 := a.TryAdmit("block-x", false)
	if !ok1 {
		t.Fatal("first connection in block should be admitted")
	}
	ok2, rel2 := a.TryAdmit("block-x", false)
	if ok2 {
		t.Fatal("second connection in the same block should be rejected")
	}
	if rel2 != nil {
		t.Fatal("rejected admission must return a nil release")
	}

	// A different block is unaffected by block-x's cap.
	okY, relY := a.TryAdmit("block-y", false)
	if !okY {
		t.Fatal("a distinct block should not be capped by another block's count")
	}

	rel1()
	relY()

	g, _ := a.Snapshot()
	if g != 0 {
		t.Fatalf("global count after releasing all admitted conns = %d, want 0", g)
	}
}

func TestAdmission_SkipBlockBypassesPerBlockCap(t *testing.T) {
	a := NewAdmission(100, 1)

	// Unix-domain connections (skip=true) never touch the per-block
	// counter, so many can be admitted concurrently under a tiny cap.
	var releases []func()
	for i := 0; i < 5; i++ {
		ok, rel := a.TryAdmit("", true)
		if !ok {
			t.Fatalf("skip-block admission %d should succeed", i)
		}
		releases = append(releases, rel)
	}
	g, blocks := a.Snapshot()
	if g != 5 {
		t.Fatalf("global = %d, want 5", g)
	}
	if blocks != 0 {
		t.Fatalf("unique blocks = %d, want 0 for skip-block admissions", blocks)
	}
	for _, rel := range releases {
		rel()
	}
}

func TestAdmission_RoundTripInvariance(t *testing.T) {
	a := NewAdmission(10, 10)
	for i := 0; i < 50; i++ {
		ok, rel := a.TryAdmit("k", false)
		if !ok {
			t.Fatalf("iteration %d: admission unexpectedly rejected", i)
		}
		rel()
		g, _ := a.Snapshot()
		if g != 0 {
			t.Fatalf("iteration %d: global = %d after release, want 0", i, g)
		}
	}
}

func TestBlockKey_IPv4AndIPv6(t *testing.T) {
	v4 := &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 1234}
	k4, skip4 := BlockKey(v4)
	if skip4 {
		t.Fatal("IPv4 TCP address should not be skipped")
	}
	if k4 == "" {
		t.Fatal("IPv4 block key should not be empty")
	}

	v6a := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}
	v6b := &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 2}
	ka, _ := BlockKey(v6a)
	kb, _ := BlockKey(v6b)
	if ka != kb {
		t.Fatalf("addresses in the same /56 should share a block key: %q vs %q", ka, kb)
	}

	unix := &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}
	_, skipUnix := BlockKey(unix)
	if !skipUnix {
		t.Fatal("non-TCP addresses should be skipped")
	}
}
