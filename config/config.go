// Package config reads the raffle configuration: one table per network with
// the parameters a raffle is deployed with.
package config

import (
	"encoding/hex"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/raffle/raffle"
	"golang.org/x/xerrors"
)

// DevelopmentChains are the networks served by a local beacon.
var DevelopmentChains = []string{"hardhat", "localhost"}

const defaultGasLane = "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"

// Duration is a time.Duration written as a string like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Settings are the options not tied to a network.
type Settings struct {
	Network      string
	DB           string
	KeeperPeriod Duration
	BeaconPeriod Duration
}

// Network holds the deployment parameters of one chain.
type Network struct {
	ChainID               uint64
	EntranceFee           string
	GasLane               string
	SubscriptionID        uint64
	CallbackGasLimit      uint32
	RequestConfirmations  uint32
	Interval              uint64
	KeepersUpdateInterval uint64
	VRFCoordinator        string
	Development           bool
}

// File is the content of a configuration file.
type File struct {
	Raffle   Settings
	Networks map[string]*Network
}

// Default returns the built-in network table.
func Default() *File {
	return &File{
		Raffle: Settings{
			Network:      "hardhat",
			DB:           "raffle.db",
			KeeperPeriod: Duration{time.Second},
			BeaconPeriod: Duration{200 * time.Millisecond},
		},
		Networks: map[string]*Network{
			"sepolia": {
				ChainID:               11155111,
				EntranceFee:           "0.01",
				GasLane:               defaultGasLane,
				SubscriptionID:        894,
				CallbackGasLimit:      400000,
				RequestConfirmations:  3,
				Interval:              30,
				KeepersUpdateInterval: 30,
				VRFCoordinator:        "0x8103B0A8A00be2DDC778e6e7eaa21791Cd364625",
			},
			"hardhat": {
				ChainID:          31337,
				EntranceFee:      "0.01",
				GasLane:          defaultGasLane,
				CallbackGasLimit: 400000,
				Interval:         30,
				Development:      true,
			},
		},
	}
}

// Load reads path on top of the defaults: networks in the file replace the
// built-in ones with the same name.
func Load(path string) (*File, error) {
	f := Default()
	loaded := &File{}
	if _, err := toml.DecodeFile(path, loaded); err != nil {
		return nil, xerrors.Errorf("reading %s: %v", path, err)
	}
	if loaded.Raffle.Network != "" {
		f.Raffle.Network = loaded.Raffle.Network
	}
	if loaded.Raffle.DB != "" {
		f.Raffle.DB = loaded.Raffle.DB
	}
	if loaded.Raffle.KeeperPeriod.Duration > 0 {
		f.Raffle.KeeperPeriod = loaded.Raffle.KeeperPeriod
	}
	if loaded.Raffle.BeaconPeriod.Duration > 0 {
		f.Raffle.BeaconPeriod = loaded.Raffle.BeaconPeriod
	}
	for name, n := range loaded.Networks {
		f.Networks[name] = n
	}
	return f, nil
}

// Network returns the parameters of name. Development chains missing from
// the table fall back to the hardhat parameters.
func (f *File) Network(name string) (*Network, error) {
	if n, ok := f.Networks[name]; ok {
		return n, nil
	}
	if IsDevelopment(name) {
		if n, ok := f.Networks["hardhat"]; ok {
			return n, nil
		}
	}
	return nil, xerrors.Errorf("unknown network %q, have %s", name,
		strings.Join(f.names(), ", "))
}

func (f *File) names() []string {
	var names []string
	for name := range f.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDevelopment tells whether name is a local chain.
func IsDevelopment(name string) bool {
	for _, d := range DevelopmentChains {
		if d == name {
			return true
		}
	}
	return false
}

// RaffleConfig converts the network parameters into a raffle configuration.
func (n *Network) RaffleConfig() (raffle.Config, error) {
	fee, err := ParseEther(n.EntranceFee)
	if err != nil {
		return raffle.Config{}, err
	}
	lane, err := hex.DecodeString(strings.TrimPrefix(n.GasLane, "0x"))
	if err != nil {
		return raffle.Config{}, xerrors.Errorf("gas lane: %v", err)
	}
	cfg := raffle.Config{
		EntranceFee:          fee,
		Interval:             n.Interval,
		GasLane:              lane,
		SubscriptionID:       n.SubscriptionID,
		CallbackGasLimit:     n.CallbackGasLimit,
		RequestConfirmations: n.RequestConfirmations,
		NumWords:             1,
	}
	return cfg, cfg.Validate()
}

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ParseEther converts a decimal amount of ether, like "0.01", to wei.
func ParseEther(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, xerrors.New("empty amount")
	}
	parts := strings.SplitN(s, ".", 2)
	if !digits(parts[0]) {
		return 0, xerrors.Errorf("invalid amount %q", s)
	}
	whole, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return 0, xerrors.Errorf("invalid amount %q", s)
	}
	wei := new(big.Int).Mul(whole, weiPerEther)
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) == 0 || len(frac) > 18 || !digits(frac) {
			return 0, xerrors.Errorf("invalid fraction in %q", s)
		}
		f, ok := new(big.Int).SetString(frac+strings.Repeat("0", 18-len(frac)), 10)
		if !ok {
			return 0, xerrors.Errorf("invalid amount %q", s)
		}
		wei.Add(wei, f)
	}
	if !wei.IsUint64() {
		return 0, xerrors.Errorf("%s ether does not fit in 64 bits of wei", s)
	}
	return wei.Uint64(), nil
}

// digits reports whether s is a non-empty run of decimal digits.
func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
