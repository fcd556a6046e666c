package code_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/polyglossa/internal/code"
)

// fixedClock returns a controllable time source.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	cur := start
	return func() time.Time { return cur }, func(d time.Duration) { cur = cur.Add(d) }
}

func TestAllocate_MintsValidUniqueCodes(t *testing.T) {
	a := code.NewAllocator(time.Hour)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		c, err := a.Allocate("session")
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if !code.Valid(c) {
			t.Fatalf("allocated code %q is not well-formed", c)
		}
		if _, dup := seen[c]; dup {
			t.Fatalf("duplicate code %q", c)
		}
		seen[c] = struct{}{}
	}
	if a.Len() != 100 {
		t.Errorf("len = %d, want 100", a.Len())
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	a := code.NewAllocator(time.Hour)
	c, err := a.Allocate("s1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	for _, input := range []string{c, "  " + c + "  ", lower(c)} {
		sid, err := a.Resolve(input)
		if err != nil {
			t.Errorf("resolve %q: %v", input, err)
		}
		if sid != "s1" {
			t.Errorf("resolve %q = %q, want s1", input, sid)
		}
	}
}

func TestResolve_UnknownCode(t *testing.T) {
	a := code.NewAllocator(time.Hour)
	if _, err := a.Resolve("ZZZZZZ"); !errors.Is(err, code.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_ExpiredCode(t *testing.T) {
	now, advance := fixedClock(time.Now())
	a := code.NewAllocator(time.Hour, code.WithClock(now))

	c, err := a.Allocate("s1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	advance(time.Hour)

	if _, err := a.Resolve(c); !errors.Is(err, code.ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestSweep_QuarantineHoldsOneTick(t *testing.T) {
	now, advance := fixedClock(time.Now())
	a := code.NewAllocator(time.Hour, code.WithClock(now))

	c, err := a.Allocate("s1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	advance(time.Hour)

	// First sweep moves the lapsed code into quarantine; nothing reusable
	// yet, and the code still resolves as expired rather than unknown.
	if n := a.Sweep(now()); n != 0 {
		t.Errorf("first sweep reusable = %d, want 0", n)
	}
	if _, err := a.Resolve(c); !errors.Is(err, code.ErrExpired) {
		t.Errorf("quarantined resolve err = %v, want ErrExpired", err)
	}

	// Second sweep frees it.
	if n := a.Sweep(now()); n != 1 {
		t.Errorf("second sweep reusable = %d, want 1", n)
	}
	if _, err := a.Resolve(c); !errors.Is(err, code.ErrNotFound) {
		t.Errorf("post-quarantine resolve err = %v, want ErrNotFound", err)
	}
}

func TestRelease_QuarantinesImmediately(t *testing.T) {
	now, _ := fixedClock(time.Now())
	a := code.NewAllocator(time.Hour, code.WithClock(now))

	c, err := a.Allocate("s1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Release(c)

	if a.Len() != 0 {
		t.Errorf("len = %d, want 0 after release", a.Len())
	}
	if _, err := a.Resolve(c); !errors.Is(err, code.ErrExpired) {
		t.Errorf("released resolve err = %v, want ErrExpired", err)
	}

	// Releasing an unknown code is a no-op.
	a.Release("ZZZZZZ")
}

func TestAllocate_SkipsQuarantinedCodes(t *testing.T) {
	// A deterministic entropy source makes every generated code identical,
	// so once that code is quarantined the allocator cannot mint it again.
	constRead := func(buf []byte) (int, error) {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	a := code.NewAllocator(time.Hour, code.WithRandReader(constRead))

	c, err := a.Allocate("s1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	a.Release(c)

	if _, err := a.Allocate("s2"); !errors.Is(err, code.ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted while code is quarantined", err)
	}

	// After the quarantine drains the code can be minted again.
	a.Sweep(time.Now())
	got, err := a.Allocate("s2")
	if err != nil {
		t.Fatalf("allocate after sweep: %v", err)
	}
	if got != c {
		t.Errorf("code = %q, want %q", got, c)
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"ABCDEF": true,
		"K7P2MN": true,
		"ABCDE":  false, // too short
		"ABCDEFG": false,
		"ABC0EF": false, // 0 not in alphabet
		"ABCIEF": false, // I not in alphabet
		"abcdef": false, // lowercase is normalised before validation
	}
	for in, want := range cases {
		if got := code.Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}

func lower(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b >= 'A' && b <= 'Z' {
			out[i] = b + 'a' - 'A'
		}
	}
	return string(out)
}
