package electrumd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"

	"github.com/electrumd/electrumd/chaindb"
	"github.com/electrumd/electrumd/chainsource"
	"github.com/electrumd/electrumd/electrum"
	"github.com/electrumd/electrumd/headerchain"
	"github.com/electrumd/electrumd/indexer"
	"github.com/electrumd/electrumd/mempool"
)

const (
	// DefaultPollInterval is how often the steady state polls the node
	// for new blocks and mempool changes.
	DefaultPollInterval = 5 * time.Second

	// DefaultCatchUpBatch is how many blocks initial catch-up coalesces
	// into one storage batch. Purely a throughput knob.
	DefaultCatchUpBatch = 128

	// DefaultReorgLookback bounds how far below the tip the fork point
	// search walks before giving up.
	DefaultReorgLookback = 1000

	// DefaultBlockCacheSize is the default block cache size in bytes.
	DefaultBlockCacheSize = 32 * 1024 * 1024

	// headerChunkSize is how many headers one catch-up request asks the
	// node for.
	headerChunkSize = 2016

	// passthroughTimeout bounds node calls made on behalf of a client
	// request, such as fee estimation and broadcast.
	passthroughTimeout = 30 * time.Second

	// retryInterval and maxRetryInterval shape the backoff applied to
	// transient node failures during sync.
	retryInterval    = time.Second
	maxRetryInterval = time.Minute
)

// Config holds the configuration options of the service.
type Config struct {
	// Store is the opened index database.
	Store *chaindb.Store

	// Source is the trusted node the chain is pulled from.
	Source chainsource.ChainSource

	// ListenAddr is the TCP address the Electrum server listens on.
	ListenAddr string

	// Banner is returned to clients by server.banner.
	Banner string

	// PollInterval overrides DefaultPollInterval when non-zero.
	PollInterval time.Duration

	// CatchUpBatch overrides DefaultCatchUpBatch when non-zero.
	CatchUpBatch int

	// ReorgLookback overrides DefaultReorgLookback when non-zero.
	ReorgLookback uint32

	// BlockCacheSize overrides DefaultBlockCacheSize when non-zero.
	BlockCacheSize uint64
}

// Service ties the pieces together: it owns the sync pipeline that is the
// sole writer to the store, and the Electrum server that reads from it. The
// pipeline pulls headers, blocks and the mempool from the node, keeps the
// index at the node's tip through reorgs, and forwards every changed
// fingerprint set to the server for notification fan-out.
type Service struct {
	started  int32
	shutdown int32

	cfg     *Config
	store   *chaindb.Store
	source  *chainsource.Retrier
	chain   *headerchain.Chain
	indexer *indexer.Indexer
	mempool *mempool.Tracker
	server  *electrum.Server

	blockCache *lru.Cache[chainhash.Hash, *CacheableBlock]
	progress   *blockProgressLogger

	fatalMtx  sync.Mutex
	fatalErr  error
	fatalChan chan error

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewService returns a new Service on top of an opened store. The sync
// pipeline doesn't run until Start.
func NewService(cfg *Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("no store configured")
	}
	if cfg.Source == nil {
		return nil, errors.New("no chain source configured")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CatchUpBatch == 0 {
		cfg.CatchUpBatch = DefaultCatchUpBatch
	}
	if cfg.ReorgLookback == 0 {
		cfg.ReorgLookback = DefaultReorgLookback
	}
	if cfg.BlockCacheSize == 0 {
		cfg.BlockCacheSize = DefaultBlockCacheSize
	}

	chain, err := headerchain.New(headerchain.Config{
		Store:    cfg.Store,
		Lookback: cfg.ReorgLookback,
	})
	if err != nil {
		return nil, err
	}
	ix, err := indexer.New(cfg.Store, chain)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		store:   cfg.Store,
		source:  chainsource.NewRetrier(cfg.Source, retryInterval, maxRetryInterval),
		chain:   chain,
		indexer: ix,
		mempool: mempool.New(cfg.Store.ResolveOutpoint),
		blockCache: lru.NewCache[chainhash.Hash, *CacheableBlock](
			cfg.BlockCacheSize,
		),
		progress:  newBlockProgressLogger("Indexed", log),
		fatalChan: make(chan error, 1),
		quit:      make(chan struct{}),
	}
	s.server = electrum.NewServer(&electrum.Config{
		ListenAddr: cfg.ListenAddr,
		Backend:    s,
		Banner:     cfg.Banner,
	})

	return s, nil
}

// Start launches the Electrum server and the sync pipeline.
func (s *Service) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	if err := s.server.Start(); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.syncLoop()

	return nil
}

// Stop shuts the pipeline and the server down, waiting for the current batch
// to finish or be abandoned. An uncommitted batch is simply dropped; the
// checkpoint guarantees the next start resumes where the last committed
// batch left off.
func (s *Service) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}

	close(s.quit)
	s.wg.Wait()

	return s.server.Stop()
}

// Addr returns the address the Electrum server listens on, nil before Start.
func (s *Service) Addr() net.Addr {
	return s.server.Addr()
}

// FatalErr reports the error that halted the sync pipeline, if any. The
// pipeline halts rather than continue past a condition it cannot recover
// from, such as a fork point outside the lookback window or internally
// inconsistent chain data.
func (s *Service) FatalErr() error {
	s.fatalMtx.Lock()
	defer s.fatalMtx.Unlock()
	return s.fatalErr
}

// FatalErrs returns the channel the first fatal pipeline error is delivered
// on. The daemon's main loop selects on it so an unrecoverable halt takes the
// whole process down instead of leaving a stale index serving forever.
func (s *Service) FatalErrs() <-chan error {
	return s.fatalChan
}

func (s *Service) setFatal(err error) {
	s.fatalMtx.Lock()
	first := s.fatalErr == nil
	if first {
		s.fatalErr = err
	}
	s.fatalMtx.Unlock()

	log.Criticalf("Sync pipeline halted: %v", err)

	if first {
		s.fatalChan <- err
	}
}

// syncLoop is the single writer. It drives the catch-up states to the
// node's tip, then settles into steady-state polling until shutdown.
func (s *Service) syncLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.catchUp(ctx); err != nil {
		if ctx.Err() == nil {
			s.setFatal(err)
		}
		return
	}

	// Initial catch-up writes the bulk of the index; compact once so
	// steady-state scans run against a clean keyspace.
	if err := s.store.Compact(); err != nil {
		log.Warnf("Compaction after catch-up failed: %v", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				if ctx.Err() == nil {
					s.setFatal(err)
				}
				return
			}
		}
	}
}

// catchUp runs the header catch-up state and then the block catch-up state.
func (s *Service) catchUp(ctx context.Context) error {
	if err := s.syncHeaders(ctx); err != nil {
		return err
	}
	return s.syncBlocks(ctx)
}

// syncHeaders extends the tracked header chain until it matches the node's
// reported tip. A linkage mismatch means the node reorganized; the fork
// point is located, everything above it rolled back, and the loop retries.
func (s *Service) syncHeaders(ctx context.Context) error {
	for {
		tip, err := s.source.GetTip(ctx)
		if err != nil {
			return err
		}

		height, hash, haveTip := s.chain.Tip()
		if haveTip && hash == tip.Hash {
			return nil
		}

		start := uint32(0)
		if haveTip {
			start = height + 1
		}

		// The node's tip moved below or beside ours without new
		// headers to fetch: its chain replaced a suffix of ours.
		if haveTip && tip.Height <= height {
			if err := s.reorg(ctx, tip); err != nil {
				return err
			}
			continue
		}

		headers, err := s.source.GetHeaders(ctx, start,
			headerChunkSize)
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			return nil
		}

		err = s.chain.Extend(headers)
		var linkErr *headerchain.LinkageError
		if errors.As(err, &linkErr) {
			log.Infof("Header linkage mismatch at height %d, "+
				"searching for fork point", linkErr.Height)
			if err := s.reorg(ctx, tip); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// reorg reconciles the index with a node that switched chains: locate the
// fork point within the lookback window, atomically roll back every header
// and derived row above it, and notify watchers of the rows they lost. The
// caller re-extends afterwards. A fork point outside the window is
// unrecoverable and reported as such.
func (s *Service) reorg(ctx context.Context, tip *chainsource.Tip) error {
	height, _, haveTip := s.chain.Tip()
	if !haveTip {
		return headerchain.ErrEmptyChain
	}

	base := uint32(0)
	if height > s.cfg.ReorgLookback {
		base = height - s.cfg.ReorgLookback
	}

	if tip.Height < base {
		return fmt.Errorf("node tip height %d is below the lookback "+
			"window, manual reindex required: %w", tip.Height,
			headerchain.ErrNoCommonAncestor)
	}

	max := int(tip.Height-base) + 1
	candidates, err := s.source.GetHeaders(ctx, base, max)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("node returned no headers from height %d "+
			"during reorg", base)
	}

	fork, err := s.chain.FindForkPoint(candidates, base)
	if err != nil {
		return fmt.Errorf("reorg recovery failed, manual reindex "+
			"required: %w", err)
	}

	affected, err := s.indexer.RollbackTo(fork)
	if err != nil {
		return err
	}

	log.Infof("Reorg: rolled back to fork point at height %d", fork)
	s.notify(affected, true)

	return nil
}

// syncBlocks fetches and indexes every tracked height above the checkpoint,
// oldest first, coalescing CatchUpBatch blocks per committed batch.
func (s *Service) syncBlocks(ctx context.Context) error {
	tipHeight, _, haveTip := s.chain.Tip()
	if !haveTip {
		return nil
	}

	for next := s.indexer.NextHeight(); next <= tipHeight; {
		end := next + uint32(s.cfg.CatchUpBatch) - 1
		if end > tipHeight {
			end = tipHeight
		}

		blocks := make([]*btcutil.Block, 0, end-next+1)
		for height := next; height <= end; height++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			header, err := s.chain.HeaderByHeight(height)
			if err != nil {
				return err
			}
			hash := header.BlockHash()
			block, err := s.fetchBlock(ctx, &hash)
			if err != nil {
				return err
			}
			block.SetHeight(int32(height))
			blocks = append(blocks, block)

			s.progress.LogBlockHeight(height, header.Timestamp)
		}

		affected, err := s.indexer.IndexBlocks(blocks, next)
		if err != nil {
			return err
		}
		s.notify(affected, true)

		next = end + 1
	}

	return nil
}

// pollOnce runs one steady-state cycle: look for new blocks, re-entering
// catch-up inline when the tip moved, then refresh the mempool overlay.
func (s *Service) pollOnce(ctx context.Context) error {
	tip, err := s.source.GetTip(ctx)
	if err != nil {
		return err
	}

	_, hash, haveTip := s.chain.Tip()
	if !haveTip || hash != tip.Hash {
		if err := s.catchUp(ctx); err != nil {
			return err
		}
	}

	txs, err := s.source.GetMempool(ctx)
	if err != nil {
		return err
	}
	changed, err := s.mempool.Update(txs)
	if err != nil {
		return err
	}
	s.notify(changed, false)

	return nil
}

// notify forwards a changed fingerprint set to the server. Empty updates
// with no tip change are suppressed here so idle cycles stay silent.
func (s *Service) notify(scripts map[chaindb.ScriptHash]struct{},
	tipChanged bool) {

	if len(scripts) == 0 && !tipChanged {
		return
	}
	s.server.Notify(electrum.Update{
		Scripts:    scripts,
		TipChanged: tipChanged,
	})
}

// fetchBlock returns the block with the given hash, consulting the cache
// before asking the node.
func (s *Service) fetchBlock(ctx context.Context,
	hash *chainhash.Hash) (*btcutil.Block, error) {

	cached, err := s.blockCache.Get(*hash)
	if err == nil {
		return cached.Block, nil
	}
	if err != cache.ErrElementNotFound {
		return nil, err
	}

	msgBlock, err := s.source.GetBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	block := btcutil.NewBlock(msgBlock)

	_, err = s.blockCache.Put(*hash, &CacheableBlock{Block: block})
	if err != nil {
		log.Warnf("Couldn't cache block %v: %v", hash, err)
	}

	return block, nil
}
