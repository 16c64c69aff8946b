package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cvelab/cvehub/test"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestRoundTrip(t *testing.T) {
	ctx := test.Logging(t)
	c, _ := testCache(t)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := payload{Name: "CVE-2024-1234", Count: 3}
	c.Set(ctx, PrefixCVEDetail+"CVE-2024-1234", in, TTLDetail)

	var out payload
	if !c.Get(ctx, PrefixCVEDetail+"CVE-2024-1234", &out) {
		t.Fatal("expected cache hit")
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestMiss(t *testing.T) {
	ctx := test.Logging(t)
	c, _ := testCache(t)

	var out map[string]any
	if c.Get(ctx, PrefixCVEDetail+"CVE-0000-0000", &out) {
		t.Error("expected miss")
	}
}

func TestEnvelope(t *testing.T) {
	ctx := test.Logging(t)
	c, mr := testCache(t)

	c.Set(ctx, PrefixStats+"dashboard", map[string]int{"total": 1}, TTLStats)
	raw, err := mr.Get(PrefixStats + "dashboard")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"_cached_at"`, `"data"`} {
		if !strings.Contains(raw, want) {
			t.Errorf("stored value missing %s: %s", want, raw)
		}
	}
}

func TestInvalidateCVE(t *testing.T) {
	ctx := test.Logging(t)
	c, mr := testCache(t)

	c.Set(ctx, PrefixCVEDetail+"CVE-2024-1234", 1, TTLDetail)
	c.Set(ctx, PrefixCVEDetail+"full:CVE-2024-1234", 1, TTLDetail)
	c.Set(ctx, PrefixCVEList+"page=1", 1, TTLList)
	c.Set(ctx, PrefixCVEList+"page=2", 1, TTLList)
	c.Set(ctx, PrefixCVEDetail+"CVE-2020-0001", 1, TTLDetail)

	inv := c.InvalidateCVE(ctx, "CVE-2024-1234")
	if !inv.InvalidatedDetail || !inv.InvalidatedLists {
		t.Errorf("unexpected invalidation result: %+v", inv)
	}

	for _, gone := range []string{
		PrefixCVEDetail + "CVE-2024-1234",
		PrefixCVEDetail + "full:CVE-2024-1234",
		PrefixCVEList + "page=1",
		PrefixCVEList + "page=2",
	} {
		if mr.Exists(gone) {
			t.Errorf("key %q should have been deleted", gone)
		}
	}
	if !mr.Exists(PrefixCVEDetail + "CVE-2020-0001") {
		t.Error("unrelated detail key should survive")
	}
}

func TestInvalidateDetailOnly(t *testing.T) {
	ctx := test.Logging(t)
	c, mr := testCache(t)

	c.Set(ctx, PrefixCVEDetail+"CVE-2024-1234", 1, TTLDetail)
	c.Set(ctx, PrefixCVEList+"page=1", 1, TTLList)

	c.InvalidateCVEDetail(ctx, "CVE-2024-1234")
	if mr.Exists(PrefixCVEDetail + "CVE-2024-1234") {
		t.Error("detail key should be gone")
	}
	if !mr.Exists(PrefixCVEList + "page=1") {
		t.Error("list keys must survive a comment-only invalidation")
	}
}

func TestTTL(t *testing.T) {
	ctx := test.Logging(t)
	c, mr := testCache(t)

	c.Set(ctx, PrefixCVEList+"q", 1, TTLList)
	mr.FastForward(TTLList + time.Second)
	var out int
	if c.Get(ctx, PrefixCVEList+"q", &out) {
		t.Error("expected entry to expire")
	}
}
