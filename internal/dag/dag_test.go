package dag

import (
	"fmt"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
)

// harness builds a small synthetic DAG keyed by short string IDs, in the
// style of the teacher's blockdag/blues_test.go testBlockData tables.
type harness struct {
	t        *testing.T
	d        *DAG
	hashByID map[string]common.Hash
	nonce    uint64
}

func newHarness(t *testing.T, k uint64) *harness {
	d := New(k, common.Address{})
	h := &harness{t: t, d: d, hashByID: map[string]common.Hash{}}
	h.hashByID["G"] = d.GetGenesisHash()
	return h
}

func (h *harness) addBlock(id string, parentIDs ...string) common.Hash {
	h.t.Helper()
	parents := make([]common.Hash, len(parentIDs))
	for i, pid := range parentIDs {
		ph, ok := h.hashByID[pid]
		if !ok {
			h.t.Fatalf("unknown parent id %q", pid)
		}
		parents[i] = ph
	}
	h.nonce++
	b := &Block{
		ParentHashes: parents,
		Timestamp:    int64(h.nonce),
		Nonce:        h.nonce,
	}
	b.Hash = b.ComputeHash()
	result, err := h.d.AddBlock(b)
	if err != nil {
		h.t.Fatalf("add_block(%s): %v", id, err)
	}
	if result != Added {
		h.t.Fatalf("add_block(%s): expected Added, got %v", id, result)
	}
	h.hashByID[id] = b.Hash
	return b.Hash
}

func (h *harness) hash(id string) common.Hash {
	hh, ok := h.hashByID[id]
	if !ok {
		h.t.Fatalf("unknown id %q", id)
	}
	return hh
}

func hashSetFromIDs(h *harness, ids ...string) map[common.Hash]struct{} {
	set := make(map[common.Hash]struct{}, len(ids))
	for _, id := range ids {
		set[h.hash(id)] = struct{}{}
	}
	return set
}

func assertHashSetEqual(t *testing.T, got []common.Hash, h *harness, wantIDs ...string) {
	t.Helper()
	want := hashSetFromIDs(h, wantIDs...)
	if len(got) != len(want) {
		t.Fatalf("expected %d entries %v, got %d: %s", len(want), wantIDs, len(got), spew.Sdump(got))
	}
	for _, g := range got {
		if _, ok := want[g]; !ok {
			t.Fatalf("unexpected hash %s not in %v", g, wantIDs)
		}
	}
}

func TestAddBlockMissingParent(t *testing.T) {
	d := New(18, common.Address{})
	ghost := common.HexToHash("0xdeadbeef")
	b := &Block{ParentHashes: []common.Hash{ghost}, Nonce: 1}
	b.Hash = b.ComputeHash()
	result, err := d.AddBlock(b)
	if err == nil || result != RejectedMissingParent {
		t.Fatalf("expected RejectedMissingParent, got %v, %v", result, err)
	}
}

func TestAddBlockDuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t, 18)
	h.addBlock("B", "G")
	b := h.d.GetBlock(h.hash("B"))
	result, err := h.d.AddBlock(b)
	if err != nil {
		t.Fatalf("re-adding same block should not error: %v", err)
	}
	if result != AlreadyPresent {
		t.Fatalf("expected AlreadyPresent, got %v", result)
	}
}

// TestParallelFanOut mirrors spec.md §8's "Parallel fan-out" scenario.
func TestParallelFanOut(t *testing.T) {
	h := newHarness(t, 18)
	h.addBlock("B1", "G")
	h.addBlock("B2", "G")
	h.addBlock("B3", "G")

	if got := h.d.GetBlockCount(); got != 4 {
		t.Fatalf("expected 4 blocks, got %d", got)
	}
	if got := h.d.GetMaxDepth(); got != 1 {
		t.Fatalf("expected max depth 1, got %d", got)
	}
	if got := len(h.d.GetTips()); got != 3 {
		t.Fatalf("expected 3 tips, got %d", got)
	}
	for _, id := range []string{"B1", "B2", "B3"} {
		b := h.d.GetBlock(h.hash(id))
		if len(b.ParentHashes) != 1 || b.ParentHashes[0] != h.hash("G") {
			t.Fatalf("%s should have exactly one parent (genesis)", id)
		}
	}
}

// TestAnticoneOfParallelBlocks builds the literal DAG from spec.md §8's
// "Anticone of parallel blocks" scenario (mirroring anticone-test.ts).
func TestAnticoneOfParallelBlocks(t *testing.T) {
	h := newHarness(t, 18)
	h.addBlock("B1", "G")
	h.addBlock("B2", "G")
	h.addBlock("B3", "G")
	h.addBlock("B4", "B1", "B2")
	h.addBlock("B5", "B3")
	h.addBlock("B6", "B4", "B5")

	assertHashSetEqual(t, h.d.Anticone(h.hash("B1")), h, "B2", "B3", "B5")
	assertHashSetEqual(t, h.d.Anticone(h.hash("B2")), h, "B1", "B3", "B5")
	if got := len(h.d.Anticone(h.hash("B6"))); got != 0 {
		t.Fatalf("expected empty anticone for B6, got %d", got)
	}
	if got := len(h.d.Ancestors(h.hash("B6"))); got != 6 {
		t.Fatalf("expected 6 ancestors for B6, got %d", got)
	}
	if got := len(h.d.Descendants(h.hash("G"))); got != 6 {
		t.Fatalf("expected 6 descendants for G, got %d", got)
	}
	assertHashSetEqual(t, h.d.Descendants(h.hash("B1")), h, "B4", "B6")
}

// TestAnticoneInvariants checks universal invariant 4 from spec.md §8 over
// every block in a small DAG.
func TestAnticoneInvariants(t *testing.T) {
	h := newHarness(t, 18)
	h.addBlock("B1", "G")
	h.addBlock("B2", "G")
	h.addBlock("B3", "B1", "B2")

	for _, id := range []string{"G", "B1", "B2", "B3"} {
		hh := h.hash(id)
		anc := hashSetFromIDs(h, idsOf(h.d.Ancestors(hh), h)...)
		desc := hashSetFromIDs(h, idsOf(h.d.Descendants(hh), h)...)
		anti := hashSetFromIDs(h, idsOf(h.d.Anticone(hh), h)...)
		for x := range anti {
			if _, ok := anc[x]; ok {
				t.Fatalf("%s: anticone intersects ancestors", id)
			}
			if _, ok := desc[x]; ok {
				t.Fatalf("%s: anticone intersects descendants", id)
			}
		}
		for x := range anc {
			if _, ok := desc[x]; ok {
				t.Fatalf("%s: ancestors intersects descendants", id)
			}
		}
	}
}

func idsOf(hashes []common.Hash, h *harness) []string {
	reverse := make(map[common.Hash]string, len(h.hashByID))
	for id, hh := range h.hashByID {
		reverse[hh] = id
	}
	out := make([]string, 0, len(hashes))
	for _, hh := range hashes {
		id, ok := reverse[hh]
		if !ok {
			out = append(out, fmt.Sprintf("?%s", hh))
			continue
		}
		out = append(out, id)
	}
	return out
}

// TestGenesisAlwaysBlue checks invariant 3 from spec.md §8.
func TestGenesisAlwaysBlue(t *testing.T) {
	h := newHarness(t, 1)
	for i := 0; i < 5; i++ {
		h.addBlock(fmt.Sprintf("B%d", i), "G")
	}
	if !h.d.IsBlue(h.d.GetGenesisHash()) {
		t.Fatal("genesis must always be blue")
	}
}

// TestColoringIdempotent checks invariant 5: re-running the coloring pass
// from the current state produces the same coloring.
func TestColoringIdempotent(t *testing.T) {
	h := newHarness(t, 2)
	h.addBlock("B1", "G")
	h.addBlock("B2", "G")
	h.addBlock("B3", "G")
	h.addBlock("B4", "B1", "B2")
	h.addBlock("B5", "B3")

	before := map[common.Hash]Color{}
	for _, b := range h.d.GetAllBlocks() {
		before[b.Hash] = b.Color
	}
	h.d.mu.Lock()
	h.d.recomputeColoring()
	h.d.mu.Unlock()
	for _, b := range h.d.GetAllBlocks() {
		if before[b.Hash] != b.Color {
			t.Fatalf("coloring changed for %s on idempotent re-run: %v -> %v", b.Hash, before[b.Hash], b.Color)
		}
	}
}

// TestDepthInvariant checks invariant 1.
func TestDepthInvariant(t *testing.T) {
	h := newHarness(t, 18)
	h.addBlock("B1", "G")
	h.addBlock("B2", "B1")
	h.addBlock("B3", "B1", "B2")

	if d := h.d.GetBlock(h.hash("G")).DAGDepth; d != 0 {
		t.Fatalf("genesis depth should be 0, got %d", d)
	}
	if d := h.d.GetBlock(h.hash("B1")).DAGDepth; d != 1 {
		t.Fatalf("B1 depth should be 1, got %d", d)
	}
	if d := h.d.GetBlock(h.hash("B3")).DAGDepth; d != 3 {
		t.Fatalf("B3 depth should be max(parent depths)+1 = 3, got %d", d)
	}
}
