package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	for s, wei := range map[string]uint64{
		"0.01":                 10000000000000000,
		"1":                    1000000000000000000,
		"1.5":                  1500000000000000000,
		"0.000000000000000001": 1,
		"18":                   18000000000000000000,
	} {
		got, err := ParseEther(s)
		require.NoError(t, err, s)
		require.Equal(t, wei, got, s)
	}
	for _, s := range []string{"", "abc", "1.", ".5", "-1", "1.-5",
		"-0.01", "+1", "0.+5", "-0", "1_000", "0x10", "1.5e3",
		"0.0000000000000000001", "19"} {
		_, err := ParseEther(s)
		require.Error(t, err, s)
	}
}

func TestDefault(t *testing.T) {
	f := Default()
	sepolia, err := f.Network("sepolia")
	require.NoError(t, err)
	require.Equal(t, uint64(11155111), sepolia.ChainID)
	require.False(t, sepolia.Development)

	cfg, err := sepolia.RaffleConfig()
	require.NoError(t, err)
	require.Equal(t, uint64(10000000000000000), cfg.EntranceFee)
	require.Equal(t, uint64(30), cfg.Interval)
	require.Equal(t, uint64(894), cfg.SubscriptionID)
	require.Equal(t, uint32(400000), cfg.CallbackGasLimit)
	require.Equal(t, uint32(1), cfg.NumWords)
	require.Len(t, cfg.GasLane, 32)
	require.Equal(t, byte(0x47), cfg.GasLane[0])

	// localhost uses the hardhat parameters
	local, err := f.Network("localhost")
	require.NoError(t, err)
	require.Equal(t, uint64(31337), local.ChainID)
	require.True(t, local.Development)

	_, err = f.Network("mainnet")
	require.Error(t, err)
}

const testFile = `
[raffle]
Network = "sepolia"
KeeperPeriod = "5s"

[networks.sepolia]
ChainID = 11155111
EntranceFee = "0.1"
GasLane = "0x0102"
SubscriptionID = 42
CallbackGasLimit = 500000
RequestConfirmations = 3
Interval = 60

[networks.broken]
EntranceFee = "0"
GasLane = "0x00"
`

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "raffle-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "raffle.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte(testFile), 0600))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sepolia", f.Raffle.Network)
	require.Equal(t, 5*time.Second, f.Raffle.KeeperPeriod.Duration)
	require.Equal(t, "raffle.db", f.Raffle.DB)

	n, err := f.Network(f.Raffle.Network)
	require.NoError(t, err)
	cfg, err := n.RaffleConfig()
	require.NoError(t, err)
	require.Equal(t, uint64(100000000000000000), cfg.EntranceFee)
	require.Equal(t, []byte{1, 2}, cfg.GasLane)
	require.Equal(t, uint64(60), cfg.Interval)

	// the built-in networks are kept
	_, err = f.Network("hardhat")
	require.NoError(t, err)

	broken, err := f.Network("broken")
	require.NoError(t, err)
	_, err = broken.RaffleConfig()
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}
