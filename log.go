package electrumd

import (
	"github.com/btcsuite/btclog"

	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/chainsource"
	"github.com/electrumd/electrumd/electrum"
	"github.com/electrumd/electrumd/headerchain"
	"github.com/electrumd/electrumd/indexer"
	"github.com/electrumd/electrumd/mempool"
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until either UseLogger or SetLogWriter are called.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
// This should be used in preference to SetLogWriter if the caller is also
// using btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
	chaindb.UseLogger(logger)
	headerchain.UseLogger(logger)
	indexer.UseLogger(logger)
	mempool.UseLogger(logger)
	electrum.UseLogger(logger)
	chainsource.UseLogger(logger)
}
