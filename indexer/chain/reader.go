// Package chain provides typed, retrying access to the prediction contract
// and its execution-layer endpoint: current epoch, per-round metadata,
// filtered event logs and block headers.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethRPC "github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/roundscan/roundscan/config/params"
	"github.com/roundscan/roundscan/encoding/fixedpoint"
	"github.com/roundscan/roundscan/indexer/types"
)

var log = logrus.WithField("prefix", "chain")

const headerCacheSize = 2048

var (
	rpcRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_rpc_transient_retries_total",
		Help: "The number of RPC calls retried after a transient failure.",
	})
	headerCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_header_cache_hits_total",
		Help: "The number of header lookups served from the in-process cache.",
	})
	headerBatchCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roundscan_header_batch_calls_total",
		Help: "The number of batched eth_getBlockByNumber round trips.",
	})
)

// HeaderInfo is the slice of a block header the indexer cares about.
type HeaderInfo struct {
	Number uint64
	Time   uint64
}

// Reader is the chain-facing collaborator shared by the locator, harvester
// and pipeline. It is stateless on the network: every method is a read.
type Reader struct {
	client   *ethclient.Client
	rpc      *gethRPC.Client
	codec    *contractCodec
	contract common.Address

	headerCache *lru.Cache

	callTimeout  time.Duration
	retryMax     int
	retryBackoff time.Duration
	headerBatch  int
}

// NewReader dials the configured endpoint and prepares the contract codec.
func NewReader(ctx context.Context, cfg *params.Config) (*Reader, error) {
	rpcClient, err := gethRPC.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not dial execution endpoint")
	}
	codec, err := newContractCodec()
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	cache, err := lru.New(headerCacheSize)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return &Reader{
		client:       ethclient.NewClient(rpcClient),
		rpc:          rpcClient,
		codec:        codec,
		contract:     common.HexToAddress(cfg.ContractAddr),
		headerCache:  cache,
		callTimeout:  cfg.CallTimeout,
		retryMax:     cfg.RetryMax,
		retryBackoff: cfg.RetryBackoff,
		headerBatch:  cfg.HeaderBatch,
	}, nil
}

// Close releases the underlying RPC connection.
func (r *Reader) Close() {
	r.rpc.Close()
}

// do runs fn under the per-call deadline, retrying transient failures with
// linear backoff up to the retry budget.
func (r *Reader) do(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		err = classify(err)
		if !IsTransient(err) || attempt >= r.retryMax {
			return errors.Wrap(err, op)
		}
		rpcRetries.Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
		}).Debug("Retrying transient RPC failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryBackoff * time.Duration(attempt+1)):
		}
	}
}

// CurrentEpoch reads the contract's live epoch counter.
func (r *Reader) CurrentEpoch(ctx context.Context) (uint64, error) {
	var out uint64
	err := r.do(ctx, "currentEpoch", func(ctx context.Context) error {
		data, err := r.codec.abi.Pack("currentEpoch")
		if err != nil {
			return err
		}
		raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
		if err != nil {
			return err
		}
		vals, err := r.codec.abi.Unpack("currentEpoch", raw)
		if err != nil {
			return err
		}
		out = vals[0].(*big.Int).Uint64()
		return nil
	})
	return out, err
}

// RoundMetadata reads rounds(epoch). A revert or an unset start timestamp is
// reported as ErrRoundUnavailable; the locator substitutes "now" in that
// case rather than treating it as a fault.
func (r *Reader) RoundMetadata(ctx context.Context, epoch uint64) (*types.RoundMeta, error) {
	var meta *types.RoundMeta
	err := r.do(ctx, "rounds", func(ctx context.Context) error {
		data, err := r.codec.abi.Pack("rounds", new(big.Int).SetUint64(epoch))
		if err != nil {
			return err
		}
		raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
		if err != nil {
			return err
		}
		vals, err := r.codec.abi.Unpack("rounds", raw)
		if err != nil {
			return err
		}
		m := &types.RoundMeta{
			Epoch:        vals[0].(*big.Int).Uint64(),
			StartTs:      vals[1].(*big.Int).Uint64(),
			LockTs:       vals[2].(*big.Int).Uint64(),
			CloseTs:      vals[3].(*big.Int).Uint64(),
			OracleCalled: vals[13].(bool),
		}
		if lock := vals[4].(*big.Int); lock.Sign() > 0 {
			m.LockPrice, err = fixedpoint.FromRaw18Big(lock)
			if err != nil {
				return err
			}
		}
		if cls := vals[5].(*big.Int); cls.Sign() > 0 {
			m.ClosePrice, err = fixedpoint.FromRaw18Big(cls)
			if err != nil {
				return err
			}
		}
		meta = m
		return nil
	})
	if err != nil {
		if !IsTransient(err) && !errors.Is(err, context.Canceled) {
			return nil, errors.Wrapf(ErrRoundUnavailable, "epoch %d: %v", epoch, err)
		}
		return nil, err
	}
	if meta.StartTs == 0 {
		return nil, errors.Wrapf(ErrRoundUnavailable, "epoch %d has no start timestamp", epoch)
	}
	return meta, nil
}

// LatestBlockHeight returns the current chain head height.
func (r *Reader) LatestBlockHeight(ctx context.Context) (uint64, error) {
	var out uint64
	err := r.do(ctx, "blockNumber", func(ctx context.Context) error {
		n, err := r.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// HeaderByHeight returns the header at the given height, consulting the
// in-process cache first.
func (r *Reader) HeaderByHeight(ctx context.Context, height uint64) (HeaderInfo, error) {
	if cached, ok := r.headerCache.Get(height); ok {
		headerCacheHits.Inc()
		return cached.(HeaderInfo), nil
	}
	var out HeaderInfo
	err := r.do(ctx, "getBlock", func(ctx context.Context) error {
		h, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		if err != nil {
			return err
		}
		out = HeaderInfo{Number: h.Number.Uint64(), Time: h.Time}
		return nil
	})
	if err != nil {
		return HeaderInfo{}, err
	}
	r.headerCache.Add(height, out)
	return out, nil
}

// BatchHeaders resolves the distinct heights to headers using batched
// eth_getBlockByNumber calls, chunked to the configured batch size.
// Duplicate heights are coalesced before any request is made.
func (r *Reader) BatchHeaders(ctx context.Context, heights []uint64) (map[uint64]HeaderInfo, error) {
	out := make(map[uint64]HeaderInfo, len(heights))
	missing := make([]uint64, 0, len(heights))
	for _, h := range heights {
		if _, seen := out[h]; seen {
			continue
		}
		if cached, ok := r.headerCache.Get(h); ok {
			headerCacheHits.Inc()
			out[h] = cached.(HeaderInfo)
			continue
		}
		if containsHeight(missing, h) {
			continue
		}
		missing = append(missing, h)
	}

	for start := 0; start < len(missing); start += r.headerBatch {
		end := start + r.headerBatch
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]
		headers := make([]*gethtypes.Header, len(chunk))
		elems := make([]gethRPC.BatchElem, len(chunk))
		for i, h := range chunk {
			headers[i] = &gethtypes.Header{}
			elems[i] = gethRPC.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []interface{}{hexutil.EncodeUint64(h), false},
				Result: headers[i],
			}
		}
		err := r.do(ctx, "batchHeaders", func(ctx context.Context) error {
			return r.rpc.BatchCallContext(ctx, elems)
		})
		if err != nil {
			return nil, err
		}
		headerBatchCalls.Inc()
		for i, el := range elems {
			if el.Error != nil {
				return nil, errors.Wrapf(classify(el.Error), "header %d", chunk[i])
			}
			if headers[i].Number == nil {
				return nil, errors.Errorf("header %d missing from batch response", chunk[i])
			}
			info := HeaderInfo{Number: headers[i].Number.Uint64(), Time: headers[i].Time}
			out[info.Number] = info
			r.headerCache.Add(info.Number, info)
		}
	}
	return out, nil
}

// FilterLogs fetches and decodes the requested event streams over an
// inclusive block range.
func (r *Reader) FilterLogs(ctx context.Context, from, to uint64, kinds []types.EventKind) ([]types.Event, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{r.contract},
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{r.codec.topics(kinds)},
	}
	var rawLogs []gethtypes.Log
	err := r.do(ctx, "getLogs", func(ctx context.Context) error {
		logs, err := r.client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		rawLogs = logs
		return nil
	})
	if err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(rawLogs))
	for _, l := range rawLogs {
		if l.Removed {
			continue
		}
		ev, ok, err := r.codec.decode(l)
		if err != nil {
			return nil, err
		}
		if !ok {
			if len(l.Topics) > 0 {
				log.WithField("signature", l.Topics[0].Hex()).Debug("Not a tracked event signature")
			}
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func containsHeight(hs []uint64, h uint64) bool {
	for _, v := range hs {
		if v == h {
			return true
		}
	}
	return false
}
