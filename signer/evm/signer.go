// Package evm implements the payment signer: it turns a PaymentIntent into
// two broadcast ERC-20 transfers (merchant leg, then commission leg) signed
// from one sequentially-fetched nonce pair.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	agentpay "github.com/agentgatepay/agentpay-go"
	"github.com/agentgatepay/agentpay-go/usd"
)

const erc20TransferABI = `[{
	"constant": false,
	"inputs": [
		{"name": "_to", "type": "address"},
		{"name": "_value", "type": "uint256"}
	],
	"name": "transfer",
	"outputs": [{"name": "", "type": "bool"}],
	"type": "function"
}]`

// defaultGasLimit covers an ERC-20 transfer with headroom for tokens that
// do bookkeeping in their transfer hook.
const defaultGasLimit = 100_000

// Backend is the narrow slice of an Ethereum RPC node the signer needs.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

var _ Backend = (*ethclient.Client)(nil)

// Signer builds, signs, and broadcasts the two payment legs.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	backend  Backend
	gasLimit uint64
	logger   *slog.Logger

	transferABI abi.ABI
}

// Option configures a Signer.
type Option func(*Signer)

// WithGasLimit overrides the per-transfer gas limit.
func WithGasLimit(limit uint64) Option {
	return func(s *Signer) { s.gasLimit = limit }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Signer) { s.logger = logger }
}

// NewSigner creates a signer from a hex-encoded private key (with or
// without the "0x" prefix) and an RPC backend.
func NewSigner(privateKeyHex string, backend Backend, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	transferABI, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transfer ABI: %w", err)
	}

	s := &Signer{
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		backend:     backend,
		gasLimit:    defaultGasLimit,
		logger:      slog.Default(),
		transferABI: transferABI,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the signing identity's address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// Sign builds, signs, and broadcasts both payment legs and returns their
// hashes immediately, without waiting for confirmation.
//
// The account nonce is fetched exactly once: the merchant leg uses N and
// the commission leg N+1. Re-fetching between the legs would observe a
// stale value on some networks and a too-new value on others, making the
// commission leg either rejected or a silent replacement of the merchant
// leg. For the same reason nothing here retries a failed broadcast; a
// retry with a reused nonce is unsafe and belongs to a fresh purchase.
func (s *Signer) Sign(ctx context.Context, intent agentpay.PaymentIntent) (agentpay.SignedPaymentProof, error) {
	if err := intent.Validate(); err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"invalid payment intent", err)
	}

	chainCfg, err := agentpay.LookupChain(intent.Chain)
	if err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"unsupported chain", err)
	}
	tokenCfg, err := agentpay.LookupToken(intent.Chain, intent.Token)
	if err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"unsupported token", err)
	}

	merchantUnits, commissionUnits, err := usd.Split(intent.TotalUSD, intent.CommissionRate, tokenCfg.Decimals)
	if err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"failed to split payment", err)
	}

	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"failed to fetch account nonce", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"failed to fetch gas price", err)
	}

	tokenContract := common.HexToAddress(tokenCfg.Contract)

	merchantTx, err := s.signTransfer(chainCfg.ID, nonce, tokenContract, intent.Recipient, merchantUnits, gasPrice)
	if err != nil {
		return agentpay.SignedPaymentProof{}, err
	}
	commissionTx, err := s.signTransfer(chainCfg.ID, nonce+1, tokenContract, intent.CommissionAddress, commissionUnits, gasPrice)
	if err != nil {
		return agentpay.SignedPaymentProof{}, err
	}

	// Broadcast strictly in nonce order: merchant first, then commission.
	if err := s.backend.SendTransaction(ctx, merchantTx); err != nil {
		return agentpay.SignedPaymentProof{}, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"failed to broadcast merchant leg", err)
	}
	s.logger.Info("merchant leg broadcast",
		"tx_hash", merchantTx.Hash().Hex(),
		"nonce", nonce,
		"atomic_units", merchantUnits.String())

	if err := s.backend.SendTransaction(ctx, commissionTx); err != nil {
		// The merchant leg is already on the wire and cannot be
		// retracted; surface its hash for manual reconciliation.
		return agentpay.SignedPaymentProof{}, agentpay.NewPaymentError(agentpay.ErrCodeSigningFailed,
			fmt.Sprintf("failed to broadcast commission leg after merchant leg %s: %v",
				merchantTx.Hash().Hex(), err),
			map[string]any{"merchant_tx_hash": merchantTx.Hash().Hex()})
	}
	s.logger.Info("commission leg broadcast",
		"tx_hash", commissionTx.Hash().Hex(),
		"nonce", nonce+1,
		"atomic_units", commissionUnits.String())

	return agentpay.SignedPaymentProof{
		MerchantTxHash:   merchantTx.Hash().Hex(),
		CommissionTxHash: commissionTx.Hash().Hex(),
	}, nil
}

func (s *Signer) signTransfer(chainID *big.Int, nonce uint64, tokenContract common.Address, recipient string, amount, gasPrice *big.Int) (*types.Transaction, error) {
	if !common.IsHexAddress(recipient) {
		return nil, agentpay.NewPaymentError(agentpay.ErrCodeSigningFailed,
			fmt.Sprintf("invalid recipient address: %q", recipient), nil)
	}

	data, err := s.transferABI.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return nil, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"failed to pack transfer calldata", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &tokenContract,
		Value:    big.NewInt(0),
		Gas:      s.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, agentpay.WrapPaymentError(agentpay.ErrCodeSigningFailed,
			"failed to sign transfer", err)
	}
	return signed, nil
}
