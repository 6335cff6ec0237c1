// Package ledger adapts domain settlement calls onto the external ledger
// contract: assign rewards, fetch game totals, update game status. Mutating
// calls are built per account nonce handed down by the submission queue;
// read-only queries may run concurrently and are cached briefly.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"arenasettle/games"
)

const rawLedgerABI = `[
  {"name":"assignRewards","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"gameId","type":"bytes32"},
    {"name":"portfolios","type":"bytes32[]"},
    {"name":"amounts","type":"uint256[]"},
    {"name":"sequence","type":"uint256"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"name":"setGameStatus","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"gameId","type":"bytes32"},
    {"name":"status","type":"uint8"}],"outputs":[]},
  {"name":"gameTotals","type":"function","stateMutability":"view","inputs":[
    {"name":"gameId","type":"bytes32"}],"outputs":[
    {"name":"prizePool","type":"uint256"},
    {"name":"distributed","type":"uint256"},
    {"name":"entrants","type":"uint256"}]},
  {"name":"sequence","type":"function","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]}
]`

var ledgerABI = mustParseABI(rawLedgerABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("ledger: parse abi: %v", err))
	}
	return parsed
}

// Client is the subset of the Ethereum RPC the gateway depends on.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	Close()
}

// RewardPair is one (portfolio, amount) entry of a reward batch.
type RewardPair struct {
	PortfolioID uuid.UUID
	Amount      *big.Int
}

// Totals mirrors the contract's per-game accounting.
type Totals struct {
	PrizePool   *big.Int
	Distributed *big.Int
	Entrants    uint64
}

// ErrReverted marks an on-chain execution failure; classified terminal.
var ErrReverted = errors.New("execution reverted")

// Config captures gateway connection and signing parameters.
type Config struct {
	Endpoints      []string
	Contract       string
	ChainID        int64
	SignerKey      string
	GasLimit       uint64
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	TotalsCacheTTL time.Duration
	TotalsCacheLen int
}

// Gateway signs and submits ledger calls through a rotating endpoint pool.
type Gateway struct {
	mu        sync.RWMutex
	client    Client
	active    int
	endpoints []string
	dial      func(string) (Client, error)

	contract       common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	gasLimit       uint64
	pollInterval   time.Duration
	confirmTimeout time.Duration

	totals *expirable.LRU[uuid.UUID, Totals]
	log    *slog.Logger
}

// New dials the first configured endpoint and prepares the signing identity.
func New(cfg Config, log *slog.Logger) (*Gateway, error) {
	g, err := build(cfg, log)
	if err != nil {
		return nil, err
	}
	g.dial = func(endpoint string) (Client, error) { return ethclient.Dial(endpoint) }
	client, err := g.dial(g.endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", g.endpoints[0], err)
	}
	g.client = client
	return g, nil
}

// NewWithClient wires a pre-built client and dialer; used by tests and custom
// transports.
func NewWithClient(cfg Config, client Client, dial func(string) (Client, error), log *slog.Logger) (*Gateway, error) {
	g, err := build(cfg, log)
	if err != nil {
		return nil, err
	}
	g.client = client
	g.dial = dial
	return g, nil
}

func build(cfg Config, log *slog.Logger) (*Gateway, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("ledger: at least one endpoint required")
	}
	contract := strings.TrimSpace(cfg.Contract)
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("ledger: invalid contract address %q", cfg.Contract)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse signer key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		endpoints:      cfg.Endpoints,
		contract:       common.HexToAddress(contract),
		key:            key,
		from:           gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		gasLimit:       cfg.GasLimit,
		pollInterval:   cfg.PollInterval,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            log,
	}
	if g.gasLimit == 0 {
		g.gasLimit = 600_000
	}
	if g.pollInterval <= 0 {
		g.pollInterval = 3 * time.Second
	}
	if g.confirmTimeout <= 0 {
		g.confirmTimeout = 2 * time.Minute
	}
	cacheLen := cfg.TotalsCacheLen
	if cacheLen <= 0 {
		cacheLen = 256
	}
	cacheTTL := cfg.TotalsCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	g.totals = expirable.NewLRU[uuid.UUID, Totals](cacheLen, nil, cacheTTL)
	return g, nil
}

// From returns the admin account address derived from the signer key.
func (g *Gateway) From() common.Address {
	return g.from
}

func (g *Gateway) currentClient() Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}

// PendingNonce reports the admin account's pending transaction count.
func (g *Gateway) PendingNonce(ctx context.Context) (uint64, error) {
	return g.currentClient().PendingNonceAt(ctx, g.from)
}

// Refresh re-establishes the connection to the active endpoint.
func (g *Gateway) Refresh(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconnectLocked(g.active)
}

// Rotate switches to the next configured endpoint. With a single endpoint it
// degrades to a refresh.
func (g *Gateway) Rotate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := (g.active + 1) % len(g.endpoints)
	if err := g.reconnectLocked(next); err != nil {
		return err
	}
	g.active = next
	g.log.Info("rotated ledger endpoint", "endpoint", g.endpoints[next])
	return nil
}

func (g *Gateway) reconnectLocked(index int) error {
	if g.dial == nil {
		return fmt.Errorf("ledger: no dialer configured")
	}
	client, err := g.dial(g.endpoints[index])
	if err != nil {
		return fmt.Errorf("ledger: dial %s: %w", g.endpoints[index], err)
	}
	if g.client != nil {
		g.client.Close()
	}
	g.client = client
	return nil
}

// Close releases the active connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}

// ProtocolSequence reads the contract's replay-protection counter. It must be
// fetched immediately before constructing each call's signature, never cached:
// several calls may be built before any of them confirm.
func (g *Gateway) ProtocolSequence(ctx context.Context) (*big.Int, error) {
	data, err := ledgerABI.Pack("sequence")
	if err != nil {
		return nil, fmt.Errorf("ledger: pack sequence: %w", err)
	}
	out, err := g.currentClient().CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch sequence: %w", err)
	}
	values, err := ledgerABI.Unpack("sequence", out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack sequence: %w", err)
	}
	seq, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: unexpected sequence type %T", values[0])
	}
	return seq, nil
}

// AssignRewards submits one reward batch for the game and waits for its
// receipt. The protocol sequence is read and signed inside this call.
func (g *Gateway) AssignRewards(ctx context.Context, accountNonce uint64, gameID uuid.UUID, pairs []RewardPair) (string, error) {
	if len(pairs) == 0 {
		return "", fmt.Errorf("ledger: empty reward batch")
	}
	seq, err := g.ProtocolSequence(ctx)
	if err != nil {
		return "", err
	}

	ids := make([][32]byte, 0, len(pairs))
	amounts := make([]*big.Int, 0, len(pairs))
	for _, pair := range pairs {
		if pair.Amount == nil || pair.Amount.Sign() < 0 {
			return "", fmt.Errorf("ledger: reward amount required for portfolio %s", pair.PortfolioID)
		}
		ids = append(ids, idToWord(pair.PortfolioID))
		amounts = append(amounts, pair.Amount)
	}

	signature, err := gethcrypto.Sign(rewardsDigest(gameID, pairs, seq), g.key)
	if err != nil {
		return "", fmt.Errorf("ledger: sign reward batch: %w", err)
	}
	data, err := ledgerABI.Pack("assignRewards", idToWord(gameID), ids, amounts, seq, signature)
	if err != nil {
		return "", fmt.Errorf("ledger: pack assignRewards: %w", err)
	}
	return g.submit(ctx, accountNonce, data)
}

// SetGameStatus mirrors the competition's lifecycle status onto the contract.
func (g *Gateway) SetGameStatus(ctx context.Context, accountNonce uint64, gameID uuid.UUID, status games.Status) (string, error) {
	data, err := ledgerABI.Pack("setGameStatus", idToWord(gameID), statusCode(status))
	if err != nil {
		return "", fmt.Errorf("ledger: pack setGameStatus: %w", err)
	}
	return g.submit(ctx, accountNonce, data)
}

func (g *Gateway) submit(ctx context.Context, accountNonce uint64, calldata []byte) (string, error) {
	client := g.currentClient()
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: suggest gas price: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    accountNonce,
		To:       &g.contract,
		Gas:      g.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(g.chainID), g.key)
	if err != nil {
		return "", fmt.Errorf("ledger: sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	receipt, err := g.waitMined(ctx, client, signed.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: tx %s", ErrReverted, signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}

func (g *Gateway) waitMined(ctx context.Context, client Client, hash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			g.log.Debug("receipt poll failed", "tx", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ledger: await receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// CompetitionTotals reads the contract's per-game accounting, serving from a
// short-lived cache owned by this gateway.
func (g *Gateway) CompetitionTotals(ctx context.Context, gameID uuid.UUID) (Totals, error) {
	if cached, ok := g.totals.Get(gameID); ok {
		return cached, nil
	}
	data, err := ledgerABI.Pack("gameTotals", idToWord(gameID))
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: pack gameTotals: %w", err)
	}
	out, err := g.currentClient().CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, nil)
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: fetch game totals: %w", err)
	}
	values, err := ledgerABI.Unpack("gameTotals", out)
	if err != nil {
		return Totals{}, fmt.Errorf("ledger: unpack game totals: %w", err)
	}
	if len(values) != 3 {
		return Totals{}, fmt.Errorf("ledger: unexpected totals arity %d", len(values))
	}
	pool, _ := values[0].(*big.Int)
	distributed, _ := values[1].(*big.Int)
	entrants, _ := values[2].(*big.Int)
	if pool == nil || distributed == nil || entrants == nil {
		return Totals{}, fmt.Errorf("ledger: unexpected totals types")
	}
	totals := Totals{PrizePool: pool, Distributed: distributed, Entrants: entrants.Uint64()}
	g.totals.Add(gameID, totals)
	return totals, nil
}

// rewardsDigest hashes the batch contents together with the protocol sequence
// so the contract can verify both payload integrity and replay ordering.
func rewardsDigest(gameID uuid.UUID, pairs []RewardPair, seq *big.Int) []byte {
	payload := make([]byte, 0, 32*(2+2*len(pairs)))
	word := idToWord(gameID)
	payload = append(payload, word[:]...)
	for _, pair := range pairs {
		id := idToWord(pair.PortfolioID)
		payload = append(payload, id[:]...)
		payload = append(payload, common.LeftPadBytes(pair.Amount.Bytes(), 32)...)
	}
	payload = append(payload, common.LeftPadBytes(seq.Bytes(), 32)...)
	return gethcrypto.Keccak256(payload)
}

func idToWord(id uuid.UUID) [32]byte {
	var word [32]byte
	copy(word[16:], id[:])
	return word
}

func statusCode(status games.Status) uint8 {
	switch status {
	case games.StatusActive:
		return 1
	case games.StatusRevaluing:
		return 2
	case games.StatusResolving:
		return 3
	case games.StatusDistributing:
		return 4
	case games.StatusCompleted:
		return 5
	case games.StatusFailed:
		return 6
	default:
		return 0
	}
}
