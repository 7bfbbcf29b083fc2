package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/jessevdk/go-flags"

	"github.com/electrumd/electrumd"
	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/chainsource"
)

type nodeOptions struct {
	Host string `long:"rpchost" description:"host:port of the trusted node's RPC interface" default:"localhost:8332"`
	User string `long:"rpcuser" description:"RPC username"`
	Pass string `long:"rpcpass" description:"RPC password"`
}

type config struct {
	DataDir       string        `short:"d" long:"datadir" description:"Directory to store the index database" default:"./electrumd-data"`
	Listen        string        `long:"listen" description:"TCP address to serve Electrum clients on" default:"localhost:50001"`
	Banner        string        `long:"banner" description:"Welcome banner returned by server.banner" default:"Welcome to electrumd!"`
	LogLevel      string        `short:"l" long:"loglevel" description:"Set the logging level [trace, debug, info, warn, error, critical]" default:"info"`
	PollInterval  time.Duration `long:"pollinterval" description:"How often to poll the node for new blocks and mempool changes"`
	CatchUpBatch  int           `long:"catchupbatch" description:"Blocks committed per batch during initial catch-up"`
	ReorgLookback uint32        `long:"reorglookback" description:"Maximum reorg depth searched for a fork point"`

	Node nodeOptions `group:"Node RPC Options"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	parser := flags.NewNamedParser("electrumd", flags.Default)
	if _, err := parser.AddGroup("Options",
		"Configuration options for the server", &cfg); err != nil {

		return err
	}
	if _, err := parser.Parse(); err != nil {
		// The parser already printed usage.
		os.Exit(1)
	}

	logBackend := btclog.NewBackend(os.Stdout)
	logger := logBackend.Logger("ELEC")
	if level, ok := btclog.LevelFromString(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}
	electrumd.UseLogger(logger)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}
	store, err := chaindb.Open(filepath.Join(cfg.DataDir, "index"))
	if err != nil {
		return fmt.Errorf("unable to open index database: %w", err)
	}
	defer store.Close()

	source, err := chainsource.NewRPCSource(&chainsource.RPCConfig{
		Host: cfg.Node.Host,
		User: cfg.Node.User,
		Pass: cfg.Node.Pass,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	svc, err := electrumd.NewService(&electrumd.Config{
		Store:         store,
		Source:        source,
		ListenAddr:    cfg.Listen,
		Banner:        cfg.Banner,
		PollInterval:  cfg.PollInterval,
		CatchUpBatch:  cfg.CatchUpBatch,
		ReorgLookback: cfg.ReorgLookback,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	logger.Infof("Server listening on %v", svc.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infof("Received %v, shutting down", sig)

	case err := <-svc.FatalErrs():
		// Serving a stale index indefinitely would be worse than not
		// serving at all, so an unrecoverable sync error kills the
		// process.
		if stopErr := svc.Stop(); stopErr != nil {
			logger.Errorf("Shutdown after fatal error: %v", stopErr)
		}
		return fmt.Errorf("sync pipeline halted: %w", err)
	}

	if err := svc.Stop(); err != nil {
		return err
	}
	if err := svc.FatalErr(); err != nil {
		return fmt.Errorf("sync pipeline halted: %w", err)
	}

	return nil
}
