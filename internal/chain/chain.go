// Package chain talks to the credentials contract that holds the
// institution allow-list: it submits authorizeInstitution transactions,
// waits for their receipts, and reads authorizedInstitutions and owner.
package chain

import (
	"context"
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
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/credgate/internal/circuitbreaker"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrWalletUnavailable = errors.New("chain: no signing wallet configured")
	ErrUserRejected      = errors.New("chain: signer declined the transaction")
	ErrChainError        = errors.New("chain: call failed")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrCircuitOpen       = errors.New("chain: rpc temporarily disabled after repeated failures")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// CallError wraps an RPC failure or contract revert with the step that failed.
// errors.Is(err, ErrChainError) holds for every CallError.
type CallError struct {
	Op     string // "estimate", "nonce", "gas_price", "sign", "send", "confirm", "read"
	TxHash string // set once a transaction was broadcast
	Reason string // decoded revert reason, when the node returned one
	Err    error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chain: %s failed", e.Op)
	if e.TxHash != "" {
		fmt.Fprintf(&b, " (tx: %s)", e.TxHash)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": reverted: %s", e.Reason)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Is(target error) bool { return target == ErrChainError }

// -----------------------------------------------------------------------------
// Interfaces - for testability
// -----------------------------------------------------------------------------

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// credentialsABI is the slice of the credentials contract this service calls.
const credentialsABI = `[
	{"inputs":[{"name":"institution","type":"address"}],"name":"authorizeInstitution","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"address"}],"name":"authorizedInstitutions","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails without a revert reason.
	DefaultGasLimit = uint64(120000)

	// DefaultConfirmationPollInterval between receipt checks
	DefaultConfirmationPollInterval = 2 * time.Second

	// breakerKey groups every contract read under one circuit.
	breakerKey = "chain_read"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Authorization is the result of an allow-list lookup.
type Authorization int

const (
	Unknown Authorization = iota // the node could not be asked
	NotAuthorized
	Authorized
)

func (a Authorization) String() string {
	switch a {
	case Authorized:
		return "authorized"
	case NotAuthorized:
		return "not_authorized"
	default:
		return "unknown"
	}
}

// Receipt describes a confirmed allow-list write.
type Receipt struct {
	Address           string `json:"address"`
	TxHash            string `json:"txHash,omitempty"`
	BlockNumber       uint64 `json:"blockNumber,omitempty"`
	GasUsed           uint64 `json:"gasUsed,omitempty"`
	AlreadyAuthorized bool   `json:"alreadyAuthorized"`
}

// TxHandle tracks a submitted authorizeInstitution transaction.
type TxHandle struct {
	Address string
	TxHash  string

	client   *Client
	calldata []byte
	done     *Receipt // set when no transaction was needed
}

// Hash returns the transaction hash, or "" when no transaction was sent.
func (h *TxHandle) Hash() string { return h.TxHash }

// Config for creating a new Client
type Config struct {
	RPCURL                   string
	ChainID                  int64
	ContractAddress          string
	ConfirmationPollInterval time.Duration
}

// Option configures the client
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(ec EthClient) Option {
	return func(c *Client) { c.eth = ec }
}

// WithSigner enables writes. Without a signer Authorize fails with ErrWalletUnavailable.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithCache sets the positive lookup cache.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithBreaker sets the circuit breaker guarding reads.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is the allow-list client.
type Client struct {
	eth          EthClient
	signer       Signer
	cache        Cache
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
	contract     common.Address
	chainID      *big.Int
	abi          abi.ABI
	pollInterval time.Duration

	sendMu sync.Mutex // serializes nonce lookup through SendTransaction
}

// New creates a Client, dialing cfg.RPCURL unless WithEthClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, cfg.ContractAddress)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}

	parsed, err := abi.JSON(strings.NewReader(credentialsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials ABI: %w", err)
	}

	c := &Client{
		contract:     common.HexToAddress(cfg.ContractAddress),
		chainID:      big.NewInt(cfg.ChainID),
		abi:          parsed,
		pollInterval: cfg.ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.pollInterval <= 0 {
		c.pollInterval = DefaultConfirmationPollInterval
	}
	if c.cache == nil {
		c.cache = NewMemoryCache(5 * time.Minute)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.eth == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = ec
	}

	return c, nil
}

// CanSign reports whether a signer is configured.
func (c *Client) CanSign() bool {
	return c.signer != nil
}

// SignerAddress returns the configured signer's address, or "".
func (c *Client) SignerAddress() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address().Hex()
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.eth != nil {
		c.eth.Close()
	}
	return nil
}
