package dag

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/dagforge/localdagd/internal/logs"
)

var log = logs.Logger(logs.DAG)

// AddResult is the outcome of AddBlock.
type AddResult int

const (
	Added AddResult = iota
	AlreadyPresent
	RejectedMissingParent
)

// ErrMissingParent is returned (wrapped) when AddBlock is rejected because
// a referenced parent is not resolvable in the DAG.
var ErrMissingParent = errors.New("dag: missing parent")

// Stats is the snapshot returned by GetStats (spec.md §6 dag_getStats /
// dag_getDAGInfo).
type Stats struct {
	BlockCount  int
	BlueCount   int
	RedCount    int
	TipCount    int
	MaxDepth    uint64
	GenesisHash common.Hash
	K           uint64
}

// DAG is a single-writer, many-reader block graph (spec.md §5: "the graph
// is a single-writer structure for appends; readers may observe
// intermediate coloring states only between appends, never mid-pass").
type DAG struct {
	mu sync.RWMutex

	k uint64

	blocks      map[common.Hash]*Block
	children    map[common.Hash]map[common.Hash]struct{}
	tips        map[common.Hash]struct{}
	genesisHash common.Hash
	maxDepth    uint64
}

// New creates a DAG containing only its genesis block, which is blue,
// depth 0, and keeps a fixed identity for the DAG's lifetime.
func New(k uint64, genesisMiner common.Address) *DAG {
	genesis := &Block{
		ParentHashes:     nil,
		Timestamp:        0,
		Miner:            genesisMiner,
		TransactionsRoot: common.Hash{},
		StateRoot:        common.Hash{},
		Color:            ColorBlue,
		DAGDepth:         0,
		BlueScore:        0,
	}
	genesis.Hash = genesis.ComputeHash()

	d := &DAG{
		k:           k,
		blocks:      map[common.Hash]*Block{genesis.Hash: genesis},
		children:    map[common.Hash]map[common.Hash]struct{}{genesis.Hash: {}},
		tips:        map[common.Hash]struct{}{genesis.Hash: {}},
		genesisHash: genesis.Hash,
	}
	return d
}

// AddBlock validates and appends b. On acceptance it updates tips, depth,
// and re-runs the full coloring pass (spec.md §4.1.3).
func (d *DAG) AddBlock(b *Block) (AddResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.blocks[b.Hash]; exists {
		return AlreadyPresent, nil
	}

	if len(b.ParentHashes) == 0 {
		return RejectedMissingParent, errors.Wrap(ErrMissingParent, "non-genesis block must reference at least one parent")
	}

	var maxParentDepth uint64
	seen := make(map[common.Hash]struct{}, len(b.ParentHashes))
	for _, p := range b.ParentHashes {
		if _, dup := seen[p]; dup {
			return RejectedMissingParent, errors.Wrapf(ErrMissingParent, "duplicate parent %s", p)
		}
		seen[p] = struct{}{}
		parent, ok := d.blocks[p]
		if !ok {
			return RejectedMissingParent, errors.Wrapf(ErrMissingParent, "parent %s not found", p)
		}
		if parent.DAGDepth+1 > maxParentDepth {
			maxParentDepth = parent.DAGDepth + 1
		}
	}

	b.DAGDepth = maxParentDepth
	b.Color = ColorRed // provisional; the coloring pass below fixes it

	d.blocks[b.Hash] = b
	d.children[b.Hash] = map[common.Hash]struct{}{}
	for _, p := range b.ParentHashes {
		d.children[p][b.Hash] = struct{}{}
		delete(d.tips, p)
	}
	d.tips[b.Hash] = struct{}{}
	if b.DAGDepth > d.maxDepth {
		d.maxDepth = b.DAGDepth
	}

	d.recomputeColoring()

	log.Debugf("added block %s at depth %d with %d parent(s)", b.Hash, b.DAGDepth, len(b.ParentHashes))
	return Added, nil
}

// GetBlock returns the block for h, or nil if unknown (spec.md §7: unknown
// entities resolve to null, never an error).
func (d *DAG) GetBlock(h common.Hash) *Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blocks[h]
}

// GetAllBlocks returns every block in the DAG, order unspecified.
func (d *DAG) GetAllBlocks() []*Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Block, 0, len(d.blocks))
	for _, b := range d.blocks {
		out = append(out, b)
	}
	return out
}

// GetChildren returns the direct children of h.
func (d *DAG) GetChildren(h common.Hash) []common.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	childSet, ok := d.children[h]
	if !ok {
		return nil
	}
	out := make([]common.Hash, 0, len(childSet))
	for c := range childSet {
		out = append(out, c)
	}
	return out
}

// GetTips returns every current tip (blocks with no children).
func (d *DAG) GetTips() []common.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]common.Hash, 0, len(d.tips))
	for t := range d.tips {
		out = append(out, t)
	}
	return out
}

// GetGenesisHash returns the DAG's fixed genesis hash.
func (d *DAG) GetGenesisHash() common.Hash {
	return d.genesisHash
}

// GetMaxDepth returns the maximum DAGDepth across all blocks.
func (d *DAG) GetMaxDepth() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxDepth
}

// GetBlockCount returns the total number of blocks in the DAG.
func (d *DAG) GetBlockCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks)
}

// IsBlue reports whether h is currently in the blue set.
func (d *DAG) IsBlue(h common.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.blocks[h]
	return ok && b.Color == ColorBlue
}

// GetBlueBlocks returns every block currently colored blue.
func (d *DAG) GetBlueBlocks() []*Block {
	return d.blocksWithColor(ColorBlue)
}

// GetRedBlocks returns every block currently colored red.
func (d *DAG) GetRedBlocks() []*Block {
	return d.blocksWithColor(ColorRed)
}

func (d *DAG) blocksWithColor(c Color) []*Block {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Block
	for _, b := range d.blocks {
		if b.Color == c {
			out = append(out, b)
		}
	}
	return out
}

// GetStats returns a point-in-time snapshot of the DAG's shape.
func (d *DAG) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := Stats{
		BlockCount:  len(d.blocks),
		TipCount:    len(d.tips),
		MaxDepth:    d.maxDepth,
		GenesisHash: d.genesisHash,
		K:           d.k,
	}
	for _, b := range d.blocks {
		if b.Color == ColorBlue {
			stats.BlueCount++
		} else if b.Color == ColorRed {
			stats.RedCount++
		}
	}
	return stats
}

// Ancestors returns the past cone of h, excluding h itself.
func (d *DAG) Ancestors(h common.Hash) []common.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.ancestorSet(h)
	return setToSlice(set)
}

// Descendants returns the future cone of h, excluding h itself.
func (d *DAG) Descendants(h common.Hash) []common.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.descendantSet(h)
	return setToSlice(set)
}

// Anticone returns every block that is neither an ancestor nor a
// descendant of h, and is not h itself.
func (d *DAG) Anticone(h common.Hash) []common.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	excluded := d.ancestorSet(h)
	for desc := range d.descendantSet(h) {
		excluded[desc] = struct{}{}
	}
	excluded[h] = struct{}{}

	out := make([]common.Hash, 0, len(d.blocks)-len(excluded))
	for hash := range d.blocks {
		if _, skip := excluded[hash]; !skip {
			out = append(out, hash)
		}
	}
	return out
}

// ancestorSet computes the transitive closure of parents of h, excluding h.
// Must be called with d.mu held (read or write).
func (d *DAG) ancestorSet(h common.Hash) map[common.Hash]struct{} {
	result := make(map[common.Hash]struct{})
	queue := []common.Hash{h}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		b, ok := d.blocks[cur]
		if !ok {
			continue
		}
		for _, p := range b.ParentHashes {
			if _, seen := result[p]; !seen {
				result[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	return result
}

// descendantSet computes the transitive closure of children of h, excluding
// h. Must be called with d.mu held (read or write).
func (d *DAG) descendantSet(h common.Hash) map[common.Hash]struct{} {
	result := make(map[common.Hash]struct{})
	queue := []common.Hash{h}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for c := range d.children[cur] {
			if _, seen := result[c]; !seen {
				result[c] = struct{}{}
				queue = append(queue, c)
			}
		}
	}
	return result
}

func setToSlice(set map[common.Hash]struct{}) []common.Hash {
	out := make([]common.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}
