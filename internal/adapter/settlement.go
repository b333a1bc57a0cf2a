// Package adapter holds clients for the external collaborators: the
// settlement chain that anchors ledger transactions, the payout service that
// moves dividend money, and the notifier that delivers user messages.
package adapter

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/estate-ledger/internal/circuitbreaker"
	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const anchorGasLimit = 100_000

// SettlementClient talks to the external consensus collaborator. Submit
// hands off a ledger transaction and returns an opaque reference; the final
// outcome arrives later via QueryStatus polling.
type SettlementClient interface {
	Submit(ctx context.Context, txn *models.Transaction) (string, error)
	QueryStatus(ctx context.Context, externalRef string) (types.SettlementStatus, error)
}

// EthereumSettlement anchors ledger transactions on an EVM chain. Each
// submission sends a small transaction to the anchor address carrying the
// record hash as calldata; the chain's receipt decides confirmation.
type EthereumSettlement struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	anchor  common.Address
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger

	mu      sync.Mutex
	chainID *big.Int // cached after first lookup
}

// EthereumSettlementConfig holds the settlement anchor configuration.
type EthereumSettlementConfig struct {
	RPCURL        string
	PrivateKey    string // hex-encoded
	AnchorAddress string
	Timeout       time.Duration
}

// NewEthereumSettlement dials the settlement RPC endpoint and prepares the
// anchoring key.
func NewEthereumSettlement(cfg *EthereumSettlementConfig, logger *logging.Logger) (*EthereumSettlement, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("settlement RPC URL is required")
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial settlement RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement private key: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &EthereumSettlement{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		anchor:  common.HexToAddress(cfg.AnchorAddress),
		timeout: timeout,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("settlement"), logger),
		logger:  logger.WithField("component", "settlement"),
	}, nil
}

// Submit anchors a transaction record and returns the chain transaction hash.
func (s *EthereumSettlement) Submit(ctx context.Context, txn *models.Transaction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ref string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		chainID, err := s.getChainID(ctx)
		if err != nil {
			return err
		}

		nonce, err := s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return fmt.Errorf("fetch nonce: %w", err)
		}

		gasPrice, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggest gas price: %w", err)
		}

		hash := recordHash(txn)
		anchorTx := ethtypes.NewTransaction(nonce, s.anchor, big.NewInt(0), anchorGasLimit, gasPrice, hash[:])

		signed, err := ethtypes.SignTx(anchorTx, ethtypes.NewEIP155Signer(chainID), s.key)
		if err != nil {
			return fmt.Errorf("sign anchor tx: %w", err)
		}

		if err := s.client.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("send anchor tx: %w", err)
		}

		ref = signed.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", apperrors.NewExternalServiceError("settlement", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"txId":        txn.ID,
		"externalRef": ref,
	}).Info("Transaction submitted for settlement")

	return ref, nil
}

// QueryStatus looks up the receipt for an anchored transaction. A missing
// receipt means the chain has not decided yet and reads as pending.
func (s *EthereumSettlement) QueryStatus(ctx context.Context, externalRef string) (types.SettlementStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var status types.SettlementStatus
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(externalRef))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				status = types.SettlementPending
				return nil
			}
			return fmt.Errorf("fetch receipt: %w", err)
		}

		if receipt.Status == ethtypes.ReceiptStatusSuccessful {
			status = types.SettlementConfirmed
		} else {
			status = types.SettlementRejected
		}
		return nil
	})
	if err != nil {
		return "", apperrors.NewExternalServiceError("settlement", err)
	}

	return status, nil
}

func (s *EthereumSettlement) getChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID != nil {
		return s.chainID, nil
	}

	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain ID: %w", err)
	}
	s.chainID = chainID
	return chainID, nil
}

// recordHash computes the canonical digest anchored on chain for a ledger
// transaction. Pointer fields hash as empty strings so the encoding is
// stable across retries.
func recordHash(txn *models.Transaction) [32]byte {
	from := ""
	if txn.From != nil {
		from = *txn.From
	}
	to := ""
	if txn.To != nil {
		to = *txn.To
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d",
		txn.ID, txn.AssetID, txn.Type, from, to, txn.Amount, txn.PricePerToken)
	return sha256.Sum256([]byte(canonical))
}
