// Copyright 2024 The sequencer-sub008 Authors
// This file is part of the sequencer-sub008 library.
//
// The sequencer-sub008 library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sequencer-sub008 library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sequencer-sub008 library. If not, see <http://www.gnu.org/licenses/>.

// Command sequencer wires every component of the core (§9's "single binary,
// single CoreConfig, no global registry") into one running node: mempool,
// class manager, batcher, single/multi-height consensus and storage façade.
// The sync bootstrap of internal/blockstream is not wired in; the driver's
// Resync effect only logs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/starkware-libs/sequencer-sub008/internal/batcher"
	"github.com/starkware-libs/sequencer-sub008/internal/classmanager"
	"github.com/starkware-libs/sequencer-sub008/internal/classmanager/store"
	"github.com/starkware-libs/sequencer-sub008/internal/config"
	"github.com/starkware-libs/sequencer-sub008/internal/consensus"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/mempool"
	"github.com/starkware-libs/sequencer-sub008/internal/patricia"
	"github.com/starkware-libs/sequencer-sub008/internal/shc"
	"github.com/starkware-libs/sequencer-sub008/internal/slog"
	"github.com/starkware-libs/sequencer-sub008/internal/storage"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

func main() {
	app := &cli.App{
		Name:  "sequencer",
		Usage: "run the sequencer core node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file"},
			&cli.StringSliceFlag{Name: "validator", Usage: "hex felt id of a validator, repeatable"},
			&cli.StringFlag{Name: "self", Usage: "this node's validator id (hex felt); omit to run as an observer"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := slog.Root()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn("failed to set GOMAXPROCS", "err", err)
	}

	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("sequencer: loading config: %w", err)
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		cancel()
	}()

	node, err := buildNode(cfg, c, log)
	if err != nil {
		return err
	}
	defer node.Close()

	node.Run(ctx)
	return nil
}

// node bundles every long-lived component the binary owns, so main stays a
// thin wiring layer and the lifecycle (start/stop order) lives in one place.
type node struct {
	storage      *storage.Facade
	trieStore    *patricia.PebbleStore
	classMarker  *store.PebbleMarker
	classManager *classmanager.Manager
	mempoolSrv   *mempool.Server
	batcher      *batcher.Batcher
	driver       *consensus.Driver

	forest *patricia.Forest
	log    slog.Logger
}

func buildNode(cfg *config.CoreConfig, c *cli.Context, log slog.Logger) (*node, error) {
	fac, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("sequencer: opening storage: %w", err)
	}

	trieStore, err := patricia.NewPebbleStore(filepath.Join(cfg.Storage.DataDir, "trie"))
	if err != nil {
		return nil, fmt.Errorf("sequencer: opening trie store: %w", err)
	}

	forest, err := patricia.NewForest(trieStore, trieStore, felt.Zero, felt.Zero, nil, 64<<20)
	if err != nil {
		return nil, fmt.Errorf("sequencer: building forest: %w", err)
	}

	classMarker, err := store.NewPebbleMarker(filepath.Join(cfg.ClassStore.PersistentRoot, "marker"))
	if err != nil {
		return nil, fmt.Errorf("sequencer: opening class marker: %w", err)
	}
	classStore, err := store.New(cfg.ClassStore.PersistentRoot, classMarker)
	if err != nil {
		return nil, fmt.Errorf("sequencer: opening class store: %w", err)
	}
	classMgr, err := classmanager.New(classStore, sierraToCasmPlaceholder, cfg.ClassStore.CompileWorkers, 256, cfg.ClassStore.CacheCapacity, classmanager.Policy{
		RunNative:                 cfg.ClassStore.RunNative,
		WaitOnNativeCompilation:   cfg.ClassStore.WaitOnNativeCompilation,
		PanicOnCompilationFailure: cfg.ClassStore.PanicOnCompilationFailure,
	})
	if err != nil {
		return nil, fmt.Errorf("sequencer: building class manager: %w", err)
	}

	mp := mempool.New(cfg.Mempool.Capacity, types.Nonce(cfg.Mempool.MaxNonceGap), cfg.Mempool.InitialGasPriceWei,
		mempool.ReplacementPolicy{MinTipBumpPercent: cfg.Mempool.MinTipBumpPercent})
	mempoolSrv := mempool.NewServer(mp)
	go mempoolSrv.Run(context.Background())

	n := &node{
		storage:      fac,
		trieStore:    trieStore,
		classMarker:  classMarker,
		classManager: classMgr,
		mempoolSrv:   mempoolSrv,
		forest:       forest,
		log:          log,
	}

	executor := n.newExecutor()
	n.batcher = batcher.New(mempoolSrv.GetTxsHandle, executor, cfg.Batcher.BatchSize)

	validators, self, role := parseValidators(c)
	n.driver = consensus.New(validators, self, role, consensus.Timeouts{
		Propose:     cfg.Consensus.ProposalTimeout,
		Prevote:     cfg.Consensus.PrevoteTimeout,
		Precommit:   cfg.Consensus.PrecommitTimeout,
		Rebroadcast: cfg.Consensus.PrecommitTimeout,
	}, n.effects())

	return n, nil
}

// parseValidators turns --validator/--self into the shc validator set; an
// empty --self runs the node as an Observer (§4.E's supplemented role
// split), deciding without ever casting a vote.
func parseValidators(c *cli.Context) ([]shc.ValidatorID, shc.ValidatorID, consensus.Role) {
	var validators []shc.ValidatorID
	for _, v := range c.StringSlice("validator") {
		if f, err := felt.FromHex(v); err == nil {
			validators = append(validators, f)
		}
	}
	selfStr := c.String("self")
	if selfStr == "" {
		if len(validators) == 0 {
			validators = []shc.ValidatorID{felt.FromUint64(0)}
		}
		return validators, felt.FromUint64(0), consensus.RoleObserver
	}
	self, err := felt.FromHex(selfStr)
	if err != nil {
		self = felt.FromUint64(0)
	}
	return validators, self, consensus.RoleValidator
}

// newExecutor builds the batcher's capability record (§9): tentative
// execution in this core is nonce bookkeeping only (each transaction sets
// its sender's nonce to TxNonce+1), not a Cairo VM (out of this core's scope per the
// component table in §1) — so ApplyTx folds a transaction straight into a
// running StateDiff.
func (n *node) newExecutor() batcher.Executor {
	var mu sync.Mutex
	diff := types.NewStateDiff()
	return batcher.Executor{
		Reset: func() {
			mu.Lock()
			defer mu.Unlock()
			diff = types.NewStateDiff()
		},
		ApplyTx: func(tx types.Transaction) (bool, types.RejectedReason, error) {
			mu.Lock()
			defer mu.Unlock()
			diff.Nonces[tx.SenderAddress] = tx.TxNonce + 1
			return true, 0, nil
		},
		StateDiff: func() *types.StateDiff {
			mu.Lock()
			defer mu.Unlock()
			return diff
		},
	}
}

// effects builds the consensus driver's capability record (§9): committing
// a decided block folds its StateDiff into the Patricia forest, writes the
// new trie nodes to the trie store, and flushes the storage façade, in that
// order, mirroring §4.F's "apply then persist".
func (n *node) effects() consensus.Effects {
	return consensus.Effects{
		CommitBlock: func(diff *types.StateDiff) error {
			res, err := n.forest.CommitBlock(diff)
			if err != nil {
				return err
			}
			for id, nodes := range res.Written {
				if err := n.trieStore.PutNodes(id, nodes); err != nil {
					return err
				}
			}
			return nil
		},
		AppendBlock: func(hdr types.BlockHeader, body types.BlockBody, diff *types.StateDiff) error {
			if err := n.storage.QueueHeader(hdr.Height, hdr); err != nil {
				return err
			}
			if err := n.storage.QueueBody(hdr.Height, body); err != nil {
				return err
			}
			if err := n.storage.QueueStateDiff(hdr.Height, diff); err != nil {
				return err
			}
			var declared, deprecated []types.ClassHash
			for ch := range diff.DeclaredClasses {
				declared = append(declared, ch)
			}
			deprecated = append(deprecated, diff.DeprecatedDeclaredClasses...)
			if err := n.storage.QueueClasses(hdr.Height, declared, deprecated); err != nil {
				return err
			}
			return n.storage.FlushBatch()
		},
		BroadcastVote:     func(v shc.Vote) { n.log.Debug("broadcast vote", "round", v.Round, "kind", v.Kind) },
		BroadcastProposal: func(r shc.Round) { n.log.Debug("broadcast proposal", "round", r) },
		BroadcastDecision: func(d shc.Decision) { n.log.Info("height decided", "content_id", d.ContentID.Hex()) },
		Resync: func(target types.Height) error {
			n.log.Warn("falling behind, resync requested", "target", target)
			return nil
		},
	}
}

// Run starts the batcher's first height and blocks until ctx is cancelled.
func (n *node) Run(ctx context.Context) {
	n.batcher.StartHeight(n.storage.GetHeaderMarker())
	n.driver.StartHeight(n.storage.GetHeaderMarker())
	<-ctx.Done()
}

// Close releases every durable resource in reverse construction order.
func (n *node) Close() {
	n.classManager.Stop()
	_ = n.classMarker.Close()
	_ = n.trieStore.Close()
	_ = n.storage.Close()
}

// sierraToCasmPlaceholder stands in for the Cairo compiler (§4.B's
// "Sierra->Casm compile pipeline" names the pipeline's shape, not the
// compiler's internals, which are out of this core's scope). It returns the
// Sierra bytes unchanged so the store/cache/marker machinery around it is
// fully exercised without depending on an external toolchain.
func sierraToCasmPlaceholder(classHash felt.Felt, sierra []byte) ([]byte, error) {
	return sierra, nil
}
