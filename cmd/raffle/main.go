// Command raffle runs local raffle simulations and inspects raffle databases.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dedis/raffle/bank"
	"github.com/dedis/raffle/config"
	"github.com/dedis/raffle/easyrand"
	"github.com/dedis/raffle/keeper"
	"github.com/dedis/raffle/raffle"
	"github.com/dedis/raffle/store"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	cli "gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "raffle"
	app.Usage = "verifiably random raffle"
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	dbFlag := cli.StringFlag{
		Name:  "db",
		Usage: "raffle database, defaults to the one of the configuration",
	}
	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "TOML configuration file, the built-in networks are used without it",
	}
	app.Commands = []cli.Command{
		{
			Name:   "simulate",
			Usage:  "play rounds on a development network with a local beacon",
			Action: simulate,
			Flags: []cli.Flag{
				configFlag,
				dbFlag,
				cli.StringFlag{Name: "network, n", Usage: "network to take the parameters from"},
				cli.IntFlag{Name: "players", Value: 3, Usage: "number of players"},
				cli.IntFlag{Name: "entries", Value: 1, Usage: "entries per player"},
				cli.IntFlag{Name: "rounds", Value: 1, Usage: "rounds to play"},
				cli.IntFlag{Name: "interval", Value: -1, Usage: "overrides the interval, in seconds"},
				cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute, Usage: "gives up after this long"},
			},
		},
		{
			Name:   "status",
			Usage:  "print the persisted round",
			Action: status,
			Flags:  []cli.Flag{configFlag, dbFlag},
		},
		{
			Name:   "audit",
			Usage:  "replay the journal and re-derive every winner",
			Action: audit,
			Flags:  []cli.Flag{configFlag, dbFlag},
		},
		{
			Name:   "keygen",
			Usage:  "create a participant key pair",
			Action: keygen,
		},
	}
	log.ErrFatal(app.Run(os.Args))
}

func loadConfig(c *cli.Context) (*config.File, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func openStore(c *cli.Context) (*store.Store, error) {
	f, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	path := c.String("db")
	if path == "" {
		path = f.Raffle.DB
	}
	return store.Open(path)
}

func simulate(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	name := c.String("network")
	if name == "" {
		name = f.Raffle.Network
	}
	n, err := f.Network(name)
	if err != nil {
		return err
	}
	if !n.Development {
		log.Warn(name, "is not a development network, using a local beacon anyway")
	}
	cfg, err := n.RaffleConfig()
	if err != nil {
		return err
	}
	if iv := c.Int("interval"); iv >= 0 {
		cfg.Interval = uint64(iv)
	}

	db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()
	accs, err := db.LoadAccounts()
	if err != nil {
		return err
	}
	bk := bank.Load(accs)
	beacon := easyrand.NewBeacon()
	env := raffle.Env{Oracle: beacon, Bank: bk, Journal: db.WithAccounts(bk.Export)}
	var r *raffle.Raffle
	round, err := db.LoadRound()
	switch {
	case err == nil:
		stored, err := db.LoadConfig()
		if err != nil {
			return err
		}
		log.Info("continuing round", round.Number, "of the existing database")
		r, err = raffle.Restore(*stored, *round, env)
		if err != nil {
			return err
		}
		cfg = *stored
	case xerrors.Is(err, store.ErrNotFound):
		if err := db.SaveConfig(&cfg); err != nil {
			return err
		}
		r, err = raffle.New(cfg, env)
		if err != nil {
			return err
		}
	default:
		return err
	}
	if r.RaffleState() == raffle.Calculating {
		return xerrors.New("the stored round waits for a request of another beacon")
	}
	beacon.SetConsumer(&easyrand.RaffleConsumer{Raffle: r, Public: beacon.Public()})

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	go beacon.Run(ctx, f.Raffle.BeaconPeriod.Duration)
	go keeper.New(r, f.Raffle.KeeperPeriod.Duration).Run(ctx)

	for i := 0; i < c.Int("rounds"); i++ {
		if err := playRound(ctx, r, bk, cfg, c.Int("players"), c.Int("entries")); err != nil {
			return err
		}
	}
	return nil
}

func playRound(ctx context.Context, r *raffle.Raffle, bk *bank.Bank,
	cfg raffle.Config, players, entries int) error {
	number := r.Snapshot().Number
	for i := 0; i < players; i++ {
		kp := key.NewKeyPair(cothority.Suite)
		a, err := raffle.AddressFromPoint(kp.Public)
		if err != nil {
			return err
		}
		if err := bk.Deposit(a, uint64(entries)*cfg.EntranceFee); err != nil {
			return err
		}
		for j := 0; j < entries; j++ {
			if err := bk.Debit(a, cfg.EntranceFee, bk.Nonce(a)); err != nil {
				return err
			}
			if err := r.Enter(a, cfg.EntranceFee); err != nil {
				return err
			}
		}
		fmt.Printf("player %d: %v\n", i, a)
	}
	fmt.Printf("round %d: %d entries, pool %d wei, waiting %ds for the keeper\n",
		number, r.NumberOfPlayers(), r.Pool(), cfg.Interval)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for r.Snapshot().Number == number {
		select {
		case <-ctx.Done():
			return xerrors.Errorf("round %d not settled: %v", number, ctx.Err())
		case <-ticker.C:
		}
	}
	winner := r.RecentWinner()
	fmt.Printf("round %d: winner %v, balance %d wei\n", number, winner,
		bk.Balance(winner))
	return nil
}

func status(c *cli.Context) error {
	db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()
	cfg, err := db.LoadConfig()
	if err != nil {
		return err
	}
	round, err := db.LoadRound()
	if err != nil {
		return err
	}
	fmt.Printf("entrance fee:  %d wei\n", cfg.EntranceFee)
	fmt.Printf("interval:      %ds\n", cfg.Interval)
	fmt.Printf("round:         %d\n", round.Number)
	fmt.Printf("state:         %v\n", round.State)
	fmt.Printf("players:       %d\n", len(round.Players))
	fmt.Printf("pool:          %d wei\n", round.Pool)
	fmt.Printf("last settled:  %v\n", time.Unix(round.LastTimestamp, 0))
	if round.Pending {
		fmt.Printf("request:       %d\n", round.PendingRequestID)
	}
	if !round.RecentWinner.IsZero() {
		fmt.Printf("recent winner: %v\n", round.RecentWinner)
	}
	return nil
}

func audit(c *cli.Context) error {
	db, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()
	evs, err := db.Events()
	if err != nil {
		return err
	}
	res, err := store.Audit(evs)
	for _, s := range res {
		fmt.Printf("round %d: request %d, winner %v at index %d of %d, prize %d wei\n",
			s.Round, s.RequestID, s.Winner, s.Index, s.Players, s.Prize)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%d events, %d settlements verified\n", len(evs), len(res))
	return nil
}

func keygen(c *cli.Context) error {
	kp := key.NewKeyPair(cothority.Suite)
	a, err := raffle.AddressFromPoint(kp.Public)
	if err != nil {
		return err
	}
	fmt.Println("private:", kp.Private)
	fmt.Println("public: ", kp.Public)
	fmt.Println("address:", a)
	return nil
}
