// Package config parses the node's startup flags and validates them, in the
// shape of the teacher's per-binary config structs (cmd/kaspawallet/config.go,
// integration/config.go): a flat struct of long/short/description/default
// tagged fields fed through go-flags, fatal on anything it can't parse.
package config

import (
	"github.com/ethereum/go-ethereum/common"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// Defaults mirror spec.md §4.4/§4.6/§5.
const (
	DefaultRPCPort       = 8545
	DefaultWSPort        = 8546
	DefaultParallelism   = 3
	DefaultBlockTimeMS   = 2000
	DefaultMaxParents    = 3
	DefaultMempoolMax    = 1000
	DefaultGhostdagK     = 18
	DefaultChainID       = 1337
	DefaultWSHistorySize = 100
)

// Config holds the full set of values needed to boot a node.
type Config struct {
	RPCPort  int `long:"rpcport" description:"HTTP JSON-RPC listen port" default:"8545"`
	WSPort   int `long:"wsport" description:"WebSocket listen port" default:"8546"`
	ListenIP string `long:"listen" description:"address to bind both servers to" default:"0.0.0.0"`

	Parallelism int `long:"parallelism" description:"blocks produced per mining round" default:"3"`
	BlockTimeMS int `long:"blocktime" description:"milliseconds between mining rounds" default:"2000"`
	MaxParents  int `long:"maxparents" description:"maximum parents a mined block may reference" default:"3"`

	MempoolMaxSize int `long:"mempoolsize" description:"maximum number of pending transactions held in the mempool" default:"1000"`

	GhostdagK uint64 `long:"ghostdagk" description:"GHOSTDAG anticone-size bound (k)" default:"18"`

	MinerAddress string `long:"miner" description:"20-byte hex address credited as the miner of every block"`

	LogFile string `long:"logfile" description:"path to the rotated log file" default:"localdagd.log"`
}

// Parse reads args (typically os.Args[1:]) into a validated Config.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.MinerAddress == "" {
		cfg.MinerAddress = "0x1000000000000000000000000000000000000001"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the configuration invariants from spec.md §7: a bad
// value here is a fatal startup error, never a runtime one.
func (c *Config) Validate() error {
	if c.Parallelism < 1 {
		return errors.New("config: parallelism must be >= 1")
	}
	if c.MaxParents < 1 {
		return errors.New("config: maxparents must be >= 1")
	}
	if c.GhostdagK < 1 {
		return errors.New("config: ghostdagk must be >= 1")
	}
	if c.MempoolMaxSize < 1 {
		return errors.New("config: mempoolsize must be >= 1")
	}
	if c.BlockTimeMS < 1 {
		return errors.New("config: blocktime must be >= 1")
	}
	if !common.IsHexAddress(c.MinerAddress) {
		return errors.Errorf("config: miner address %q is not a valid 20-byte hex address", c.MinerAddress)
	}
	return nil
}

// MinerAddr parses MinerAddress into a common.Address. Call only after
// Validate has succeeded.
func (c *Config) MinerAddr() common.Address {
	return common.HexToAddress(c.MinerAddress)
}
