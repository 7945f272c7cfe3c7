package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"

	"github.com/naoina/toml"

	"github.com/bisgardo/concordium-node/common"
)

// tomlSettings mirrors cmd/ranger/config.go's NormFieldName/FieldToKey/
// MissingField overrides: TOML keys match the Go field names verbatim and
// an unrecognized key is a hard config error rather than a silent no-op.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Config is the node.Config/cn.Config-style settings struct: a plain Go
// struct with toml tags, loadable from --config and overridable by flags
// (§3's ambient config-layer requirement).
type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	ListenPort      int      `toml:"ListenPort"`
	BootstrapDNS    string   `toml:"BootstrapDNS"`
	NoBootstrapDNS  bool     `toml:"NoBootstrapDNS"`
	Bootstrappers   []string `toml:"Bootstrappers"`
	DesiredNodes    int      `toml:"DesiredNodes"`
	MaxAllowedNodes int      `toml:"MaxAllowedNodes"`
	NodeIdHex       string   `toml:"NodeId"`
	DataDir         string   `toml:"DataDir"`
	Networks        []int    `toml:"Networks"`
	MetricsAddr     string   `toml:"MetricsAddr"`
}

// DefaultConfig mirrors the defaults node.DefaultConfig/cn.DefaultConfig
// set in the teacher, adapted to this node's own flags.
var DefaultConfig = Config{
	ListenAddress:   "0.0.0.0",
	ListenPort:      8888,
	DesiredNodes:    5,
	MaxAllowedNodes: 100,
	DataDir:         "./p2p-data",
	Networks:        []int{100},
	MetricsAddr:     ":9991",
}

func loadConfigFile(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = fmt.Errorf("%s, %v", file, err)
	}
	return err
}

// networkIds converts the config's plain-int Networks list to common.NetworkId.
func (c Config) networkIds() []common.NetworkId {
	out := make([]common.NetworkId, len(c.Networks))
	for i, n := range c.Networks {
		out[i] = common.NetworkId(n)
	}
	return out
}

// bootstrapAddrs resolves the configured host:port strings eagerly; a
// misconfigured entry is a startup-time (exit code 1) error, not a
// runtime one.
func (c Config) bootstrapAddrs() ([]net.TCPAddr, error) {
	out := make([]net.TCPAddr, 0, len(c.Bootstrappers))
	for _, hp := range c.Bootstrappers {
		addr, err := net.ResolveTCPAddr("tcp", hp)
		if err != nil {
			return nil, fmt.Errorf("bootstrap-node %q: %w", hp, err)
		}
		out = append(out, *addr)
	}
	return out, nil
}

// dataFile joins the configured data directory with a persisted-state file
// name from §6's layout (bans/genesis_hash/node-id).
func (c Config) dataFile(name string) string {
	return filepath.Join(c.DataDir, name)
}

// loadGenesisHashes reads <data-dir>/genesis_hash: a JSON array of hex
// strings, at least one entry required. The first entry is this node's own
// advertised genesis hash; the full list is what it accepts from peers.
func loadGenesisHashes(path string) (self common.Hash, accepted []common.Hash, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Hash{}, nil, err
	}
	var hexes []string
	if err := json.Unmarshal(raw, &hexes); err != nil {
		return common.Hash{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(hexes) == 0 {
		return common.Hash{}, nil, fmt.Errorf("%s: at least one genesis hash is required", path)
	}
	accepted = make([]common.Hash, 0, len(hexes))
	for _, h := range hexes {
		b, err := common.HashFromHex(h)
		if err != nil {
			return common.Hash{}, nil, fmt.Errorf("%s: %w", path, err)
		}
		accepted = append(accepted, b)
	}
	return accepted[0], accepted, nil
}

// loadOrCreateNodeId reads <data-dir>/node-id (8 raw bytes); if absent, it
// mints a random id and persists it, matching §6's "optional; otherwise
// random, then persisted" rule for --id.
func loadOrCreateNodeId(path string, explicit string) (common.NodeId, error) {
	if explicit != "" {
		return common.NodeIdFromHex(explicit)
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		return common.NodeIdFromBytes(raw)
	}
	if !os.IsNotExist(err) {
		return 0, err
	}
	id, err := common.RandomNodeId()
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, id.Bytes(), 0o600); err != nil {
		return 0, err
	}
	return id, nil
}
