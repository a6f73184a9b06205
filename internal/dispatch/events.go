package dispatch

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/openlend/lendledger/internal/models"
)

// BigInt is a big.Int that decodes from JSON numbers or quoted decimal
// strings; event feeds emit uint256 values both ways.
type BigInt struct {
	big.Int
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("dispatch: invalid integer %q", s)
	}
	return nil
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// Event is one decoded log with its chain coordinates. Events arrive
// strictly ordered per deployment; the dispatcher applies each one
// atomically.
type Event struct {
	Address   string  `json:"address"`
	Block     uint64  `json:"block"`
	Timestamp uint64  `json:"timestamp"`
	TxHash    string  `json:"tx_hash"`
	LogIndex  uint    `json:"log_index"`
	Payload   Payload `json:"-"`
}

// Payload is the closed union of event kinds. Each kind has exactly
// one handler; there is no string-keyed dispatch beyond decoding.
type Payload interface {
	Kind() string
}

type ReserveInitialized struct {
	Asset             string `json:"asset"`
	ReceiptToken      string `json:"receipt_token"`
	VariableDebtToken string `json:"variable_debt_token"`
	StableDebtToken   string `json:"stable_debt_token"`
}

func (*ReserveInitialized) Kind() string { return "reserve_initialized" }

type CollateralConfigChanged struct {
	Asset                string `json:"asset"`
	LTV                  BigInt `json:"ltv"`
	LiquidationThreshold BigInt `json:"liquidation_threshold"`
	LiquidationBonus     BigInt `json:"liquidation_bonus"`
}

func (*CollateralConfigChanged) Kind() string { return "collateral_config_changed" }

type BorrowingChanged struct {
	Asset   string `json:"asset"`
	Enabled bool   `json:"enabled"`
}

func (*BorrowingChanged) Kind() string { return "borrowing_changed" }

type ReserveActivationChanged struct {
	Asset  string `json:"asset"`
	Active bool   `json:"active"`
}

func (*ReserveActivationChanged) Kind() string { return "reserve_activation_changed" }

type ReserveFrozen struct {
	Asset string `json:"asset"`
}

func (*ReserveFrozen) Kind() string { return "reserve_frozen" }

type PoolPaused struct {
	Paused bool `json:"paused"`
}

func (*PoolPaused) Kind() string { return "pool_paused" }

type ReserveFactorChanged struct {
	Asset  string `json:"asset"`
	Factor BigInt `json:"factor"`
}

func (*ReserveFactorChanged) Kind() string { return "reserve_factor_changed" }

type LiquidationProtocolFeeChanged struct {
	Asset string `json:"asset"`
	Fee   BigInt `json:"fee"`
}

func (*LiquidationProtocolFeeChanged) Kind() string { return "liquidation_protocol_fee_changed" }

// FlashLoanPremiumChanged carries premium rates out of 10000.
type FlashLoanPremiumChanged struct {
	Total      BigInt `json:"total"`
	ToProtocol BigInt `json:"to_protocol"`
}

func (*FlashLoanPremiumChanged) Kind() string { return "flash_loan_premium_changed" }

type OracleUpdated struct {
	Oracle string `json:"oracle"`
}

func (*OracleUpdated) Kind() string { return "oracle_updated" }

type ReserveDataUpdated struct {
	Asset               string `json:"asset"`
	LiquidityRate       BigInt `json:"liquidity_rate"`
	StableBorrowRate    BigInt `json:"stable_borrow_rate"`
	VariableBorrowRate  BigInt `json:"variable_borrow_rate"`
	LiquidityIndex      BigInt `json:"liquidity_index"`
	VariableBorrowIndex BigInt `json:"variable_borrow_index"`
}

func (*ReserveDataUpdated) Kind() string { return "reserve_data_updated" }

type Deposit struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  BigInt `json:"amount"`
}

func (*Deposit) Kind() string { return "deposit" }

type Withdraw struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  BigInt `json:"amount"`
}

func (*Withdraw) Kind() string { return "withdraw" }

type Borrow struct {
	Asset    string          `json:"asset"`
	Account  string          `json:"account"`
	Amount   BigInt          `json:"amount"`
	RateType models.RateType `json:"rate_type"`
	Isolated bool            `json:"isolated"`
}

func (*Borrow) Kind() string { return "borrow" }

type Repay struct {
	Asset    string          `json:"asset"`
	Account  string          `json:"account"`
	Amount   BigInt          `json:"amount"`
	RateType models.RateType `json:"rate_type"`
}

func (*Repay) Kind() string { return "repay" }

type Liquidation struct {
	CollateralAsset string          `json:"collateral_asset"`
	DebtAsset       string          `json:"debt_asset"`
	Borrower        string          `json:"borrower"`
	Liquidator      string          `json:"liquidator"`
	AmountSeized    BigInt          `json:"amount_seized"`
	DebtRepaid      BigInt          `json:"debt_repaid"`
	DebtRateType    models.RateType `json:"debt_rate_type"`
}

func (*Liquidation) Kind() string { return "liquidation" }

type FlashLoan struct {
	Asset     string `json:"asset"`
	Initiator string `json:"initiator"`
	Amount    BigInt `json:"amount"`
	Premium   BigInt `json:"premium"`
}

func (*FlashLoan) Kind() string { return "flash_loan" }

// BalanceTransfer is a receipt or debt token transfer between two
// accounts; Token is the transferring token, not the underlying.
type BalanceTransfer struct {
	Token  string `json:"token"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount BigInt `json:"amount"`
}

func (*BalanceTransfer) Kind() string { return "balance_transfer" }

type CollateralUsageChanged struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Enabled bool   `json:"enabled"`
}

func (*CollateralUsageChanged) Kind() string { return "collateral_usage_changed" }

type RateModeSwapped struct {
	Asset   string          `json:"asset"`
	Account string          `json:"account"`
	To      models.RateType `json:"to"`
}

func (*RateModeSwapped) Kind() string { return "rate_mode_swapped" }

// RewardConfigUpdated names the incentivized receipt or debt token
// whose emission schedule changed.
type RewardConfigUpdated struct {
	Token string `json:"token"`
}

func (*RewardConfigUpdated) Kind() string { return "reward_config_updated" }

// payloadByKind returns a fresh payload value for a wire kind.
func payloadByKind(kind string) (Payload, bool) {
	switch kind {
	case "reserve_initialized":
		return &ReserveInitialized{}, true
	case "collateral_config_changed":
		return &CollateralConfigChanged{}, true
	case "borrowing_changed":
		return &BorrowingChanged{}, true
	case "reserve_activation_changed":
		return &ReserveActivationChanged{}, true
	case "reserve_frozen":
		return &ReserveFrozen{}, true
	case "pool_paused":
		return &PoolPaused{}, true
	case "reserve_factor_changed":
		return &ReserveFactorChanged{}, true
	case "liquidation_protocol_fee_changed":
		return &LiquidationProtocolFeeChanged{}, true
	case "flash_loan_premium_changed":
		return &FlashLoanPremiumChanged{}, true
	case "oracle_updated":
		return &OracleUpdated{}, true
	case "reserve_data_updated":
		return &ReserveDataUpdated{}, true
	case "deposit":
		return &Deposit{}, true
	case "withdraw":
		return &Withdraw{}, true
	case "borrow":
		return &Borrow{}, true
	case "repay":
		return &Repay{}, true
	case "liquidation":
		return &Liquidation{}, true
	case "flash_loan":
		return &FlashLoan{}, true
	case "balance_transfer":
		return &BalanceTransfer{}, true
	case "collateral_usage_changed":
		return &CollateralUsageChanged{}, true
	case "rate_mode_swapped":
		return &RateModeSwapped{}, true
	case "reward_config_updated":
		return &RewardConfigUpdated{}, true
	}
	return nil, false
}

type eventEnvelope struct {
	Kind      string          `json:"kind"`
	Address   string          `json:"address"`
	Block     uint64          `json:"block"`
	Timestamp uint64          `json:"timestamp"`
	TxHash    string          `json:"tx_hash"`
	LogIndex  uint            `json:"log_index"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeEvent parses one wire event. Unknown kinds are an error at the
// decoding boundary; inside the dispatcher the union is closed.
func DecodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("dispatch: decode envelope: %w", err)
	}

	payload, ok := payloadByKind(env.Kind)
	if !ok {
		return Event{}, fmt.Errorf("dispatch: unknown event kind %q", env.Kind)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return Event{}, fmt.Errorf("dispatch: decode %s payload: %w", env.Kind, err)
		}
	}

	return Event{
		Address:   env.Address,
		Block:     env.Block,
		Timestamp: env.Timestamp,
		TxHash:    env.TxHash,
		LogIndex:  env.LogIndex,
		Payload:   payload,
	}, nil
}
