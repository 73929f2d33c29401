package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/credgate/internal/traces"
	"github.com/mbd888/credgate/internal/validation"
)

// Authorize submits authorizeInstitution(address). When the address is
// already on the allow-list no transaction is sent and the returned handle
// is pre-confirmed with Receipt.AlreadyAuthorized set.
func (c *Client) Authorize(ctx context.Context, address string) (_ *TxHandle, err error) {
	if !validation.IsValidEthAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if c.signer == nil {
		return nil, ErrWalletUnavailable
	}

	ctx, span := traces.StartSpan(ctx, "chain.Authorize", traces.Wallet(address))
	defer func() { traces.End(span, err) }()

	if state, _ := c.IsAuthorized(ctx, address); state == Authorized {
		chainCalls.WithLabelValues("authorize", "skipped").Inc()
		c.logger.Info("address already authorized, skipping transaction", "wallet", address)
		return &TxHandle{
			Address: address,
			client:  c,
			done:    &Receipt{Address: address, AlreadyAuthorized: true},
		}, nil
	}

	handle, err := c.submit(ctx, address)
	if err != nil {
		chainCalls.WithLabelValues("authorize", "error").Inc()
		return nil, err
	}
	chainCalls.WithLabelValues("authorize", "ok").Inc()
	span.SetAttributes(traces.TxHash(handle.TxHash))
	c.logger.Info("authorization transaction submitted", "wallet", address, "tx", handle.TxHash)
	return handle, nil
}

func (c *Client) submit(ctx context.Context, address string) (*TxHandle, error) {
	institution := common.HexToAddress(address)
	from := c.signer.Address()

	data, err := c.abi.Pack("authorizeInstitution", institution)
	if err != nil {
		return nil, &CallError{Op: "pack", Err: err}
	}

	// The pending nonce is only advanced once the node accepts the
	// transaction, so lookup through send must not interleave.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &CallError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert during estimation (e.g. caller is not the owner) will
		// revert on chain too; anything else falls back to the default.
		if reason := revertReason(err); reason != "" {
			return nil, &CallError{Op: "estimate", Reason: reason, Err: err}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := c.signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			return nil, err
		}
		return nil, &CallError{Op: "sign", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &CallError{Op: "send", TxHash: signed.Hash().Hex(), Reason: revertReason(err), Err: err}
	}

	return &TxHandle{
		Address:  address,
		TxHash:   signed.Hash().Hex(),
		client:   c,
		calldata: data,
	}, nil
}

// AwaitConfirmation polls for the transaction receipt until it is mined or
// ctx ends. A deadline yields ErrTimeout; a reverted receipt yields a
// *CallError with Op "confirm".
func (h *TxHandle) AwaitConfirmation(ctx context.Context) (_ *Receipt, err error) {
	if h.done != nil {
		r := *h.done
		return &r, nil
	}

	c := h.client
	ctx, span := traces.StartSpan(ctx, "chain.AwaitConfirmation", traces.Wallet(h.Address), traces.TxHash(h.TxHash))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	hash := common.HexToHash(h.TxHash)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, rerr := c.eth.TransactionReceipt(ctx, hash)
		if rerr == nil && receipt != nil {
			return h.settle(ctx, receipt, start)
		}
		if rerr != nil && !errors.Is(rerr, ethereum.NotFound) && ctx.Err() == nil {
			// Transient node errors are retried on the next tick.
			c.logger.Debug("receipt lookup failed", "tx", h.TxHash, "error", rerr)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				chainCalls.WithLabelValues("confirm", "timeout").Inc()
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, h.TxHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *TxHandle) settle(ctx context.Context, receipt *types.Receipt, start time.Time) (*Receipt, error) {
	c := h.client
	if receipt.Status == types.ReceiptStatusFailed {
		chainCalls.WithLabelValues("confirm", "error").Inc()
		return nil, &CallError{
			Op:     "confirm",
			TxHash: h.TxHash,
			Reason: c.replayRevert(ctx, h.calldata, receipt.BlockNumber),
			Err:    errors.New("transaction reverted"),
		}
	}

	confirmationLatency.Observe(time.Since(start).Seconds())
	chainCalls.WithLabelValues("confirm", "ok").Inc()
	if err := c.cache.MarkAuthorized(ctx, h.Address); err != nil {
		c.logger.Warn("failed to cache authorization", "wallet", h.Address, "error", err)
	}

	out := &Receipt{Address: h.Address, TxHash: h.TxHash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	c.logger.Info("authorization confirmed", "wallet", h.Address, "tx", h.TxHash, "block", out.BlockNumber)
	return out, nil
}

// replayRevert re-executes a reverted call at its block to recover the reason.
func (c *Client) replayRevert(ctx context.Context, data []byte, block *big.Int) string {
	if c.signer == nil || len(data) == 0 {
		return ""
	}
	_, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		From: c.signer.Address(),
		To:   &c.contract,
		Data: data,
	}, block)
	return revertReason(err)
}

// IsAuthorized reads authorizedInstitutions(address). Transient failures,
// including an open circuit, produce Unknown with a nil error; only a
// malformed address is reported as an error.
func (c *Client) IsAuthorized(ctx context.Context, address string) (Authorization, error) {
	if !validation.IsValidEthAddress(address) {
		return Unknown, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	if ok, err := c.cache.Authorized(ctx, address); err == nil && ok {
		lookups.WithLabelValues(Authorized.String(), "cache").Inc()
		return Authorized, nil
	} else if err != nil {
		c.logger.Warn("authorization cache read failed", "wallet", address, "error", err)
	}

	if !c.breaker.Allow(breakerKey) {
		lookups.WithLabelValues(Unknown.String(), "breaker").Inc()
		return Unknown, nil
	}

	out, err := c.call(ctx, "authorizedInstitutions", common.HexToAddress(address))
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		lookups.WithLabelValues(Unknown.String(), "rpc").Inc()
		c.logger.Warn("authorization lookup failed", "wallet", address, "error", err)
		return Unknown, nil
	}

	authorized, ok := firstBool(out)
	if !ok {
		c.breaker.RecordFailure(breakerKey)
		lookups.WithLabelValues(Unknown.String(), "rpc").Inc()
		return Unknown, nil
	}
	c.breaker.RecordSuccess(breakerKey)

	if !authorized {
		lookups.WithLabelValues(NotAuthorized.String(), "rpc").Inc()
		return NotAuthorized, nil
	}
	if err := c.cache.MarkAuthorized(ctx, address); err != nil {
		c.logger.Warn("failed to cache authorization", "wallet", address, "error", err)
	}
	lookups.WithLabelValues(Authorized.String(), "rpc").Inc()
	return Authorized, nil
}

// Owner reads owner(). It doubles as the chain health probe.
func (c *Client) Owner(ctx context.Context) (string, error) {
	if !c.breaker.Allow(breakerKey) {
		return "", &CallError{Op: "read", Err: ErrCircuitOpen}
	}

	out, err := c.call(ctx, "owner")
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return "", err
	}
	c.breaker.RecordSuccess(breakerKey)

	if len(out) == 0 {
		return "", &CallError{Op: "read", Err: errors.New("empty owner() result")}
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", &CallError{Op: "read", Err: fmt.Errorf("unexpected owner() type %T", out[0])}
	}
	return owner.Hex(), nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) (_ []interface{}, err error) {
	ctx, span := traces.StartSpan(ctx, "chain."+method)
	defer func() { traces.End(span, err) }()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: "read", Err: err}
	}

	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		chainCalls.WithLabelValues(method, "error").Inc()
		return nil, &CallError{Op: "read", Reason: revertReason(err), Err: err}
	}
	chainCalls.WithLabelValues(method, "ok").Inc()

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, &CallError{Op: "read", Err: err}
	}
	return out, nil
}

func firstBool(out []interface{}) (bool, bool) {
	if len(out) == 0 {
		return false, false
	}
	b, ok := out[0].(bool)
	return b, ok
}

// revertReason extracts an Error(string) reason from a node error carrying
// revert data. Returns "" when there is none.
func revertReason(err error) string {
	var de rpc.DataError
	if err == nil || !errors.As(err, &de) {
		return ""
	}
	var data []byte
	switch v := de.ErrorData().(type) {
	case string:
		b, derr := hexutil.Decode(v)
		if derr != nil {
			return ""
		}
		data = b
	case []byte:
		data = v
	default:
		return ""
	}
	reason, uerr := abi.UnpackRevert(data)
	if uerr != nil {
		return ""
	}
	return reason
}
