package models

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PositionSide distinguishes the two sides of a lending position.
type PositionSide string

const (
	SideCollateral PositionSide = "COLLATERAL"
	SideBorrower   PositionSide = "BORROWER"
)

// RateType is the interest-rate mode of a borrow position.
type RateType string

const (
	RateStable   RateType = "STABLE"
	RateVariable RateType = "VARIABLE"
)

// TransactionType classifies the event that touched a position.
type TransactionType string

const (
	TxDeposit   TransactionType = "DEPOSIT"
	TxWithdraw  TransactionType = "WITHDRAW"
	TxBorrow    TransactionType = "BORROW"
	TxRepay     TransactionType = "REPAY"
	TxLiquidate TransactionType = "LIQUIDATE"
	TxTransfer  TransactionType = "TRANSFER"
	TxFlashLoan TransactionType = "FLASHLOAN"
)

// RewardType scopes a reward emission to one side of a market.
type RewardType string

const (
	RewardDeposit        RewardType = "DEPOSIT"
	RewardVariableBorrow RewardType = "VARIABLE_BORROW"
	RewardStableBorrow   RewardType = "STABLE_BORROW"
)

// Deployment is the per-deployment protocol record: the default price
// oracle, flash-loan premium rates, and protocol-wide counters. One
// row per deployment; never shared across deployments.
type Deployment struct {
	ID      string `json:"id" gorm:"primaryKey;size:64"`
	Network string `json:"network" gorm:"size:32;not null"`

	DefaultOracle string `json:"default_oracle" gorm:"size:42"`

	FlashLoanPremiumRateTotal      decimal.NullDecimal `json:"flash_loan_premium_rate_total" gorm:"type:decimal(65,30)"`
	FlashLoanPremiumRateToProtocol decimal.NullDecimal `json:"flash_loan_premium_rate_to_protocol" gorm:"type:decimal(65,30)"`

	CumulativeUniqueUsers   int `json:"cumulative_unique_users"`
	CumulativePositionCount int `json:"cumulative_position_count"`
	OpenPositionCount       int `json:"open_position_count"`

	CumulativeTotalRevenueUSD        decimal.Decimal `json:"cumulative_total_revenue_usd" gorm:"type:decimal(65,30)"`
	CumulativeProtocolSideRevenueUSD decimal.Decimal `json:"cumulative_protocol_side_revenue_usd" gorm:"type:decimal(65,30)"`
	CumulativeSupplySideRevenueUSD   decimal.Decimal `json:"cumulative_supply_side_revenue_usd" gorm:"type:decimal(65,30)"`
	CumulativeDepositUSD             decimal.Decimal `json:"cumulative_deposit_usd" gorm:"type:decimal(65,30)"`
	CumulativeBorrowUSD              decimal.Decimal `json:"cumulative_borrow_usd" gorm:"type:decimal(65,30)"`
	CumulativeLiquidateUSD           decimal.Decimal `json:"cumulative_liquidate_usd" gorm:"type:decimal(65,30)"`
	CumulativeFlashLoanUSD           decimal.Decimal `json:"cumulative_flash_loan_usd" gorm:"type:decimal(65,30)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Deployment model
func (Deployment) TableName() string {
	return "deployments"
}

// Token is an asset observed by the ledger: underlying, receipt, debt,
// or reward token. Decimals drive native-unit conversion.
type Token struct {
	ID           string          `json:"id" gorm:"primaryKey;size:128"`
	DeploymentID string          `json:"deployment_id" gorm:"size:64;index;not null"`
	Address      string          `json:"address" gorm:"size:42;not null"`
	Symbol       string          `json:"symbol" gorm:"size:32"`
	Name         string          `json:"name" gorm:"size:128"`
	Decimals     uint8           `json:"decimals" gorm:"not null"`
	LastPriceUSD decimal.Decimal `json:"last_price_usd" gorm:"type:decimal(65,30)"`
	// Market this token belongs to, when it is a receipt or debt token.
	MarketID string `json:"market_id" gorm:"size:128;index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Token model
func (Token) TableName() string {
	return "tokens"
}

// Market is one listed reserve: its token addresses, risk parameters,
// cumulative indices, and revenue accumulators. Created on reserve
// initialization, mutated by every later event, never deleted.
type Market struct {
	ID           string `json:"id" gorm:"primaryKey;size:128"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`

	UnderlyingAsset   string `json:"underlying_asset" gorm:"size:42;not null"`
	ReceiptToken      string `json:"receipt_token" gorm:"size:42"`
	VariableDebtToken string `json:"variable_debt_token" gorm:"size:42"`
	StableDebtToken   string `json:"stable_debt_token" gorm:"size:42"`
	Name              string `json:"name" gorm:"size:128"`

	// Cumulative interest accumulators in ray; monotonically non-decreasing.
	LiquidityIndex      decimal.Decimal `json:"liquidity_index" gorm:"type:decimal(65,0)"`
	VariableBorrowIndex decimal.Decimal `json:"variable_borrow_index" gorm:"type:decimal(65,0)"`

	// Null until the corresponding change event has been observed or
	// the packed configuration word has been decoded.
	ReserveFactor          decimal.NullDecimal `json:"reserve_factor" gorm:"type:decimal(65,30)"`
	LiquidationProtocolFee decimal.NullDecimal `json:"liquidation_protocol_fee" gorm:"type:decimal(65,30)"`

	MaximumLTV           decimal.Decimal `json:"maximum_ltv" gorm:"type:decimal(65,30)"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold" gorm:"type:decimal(65,30)"`
	LiquidationPenalty   decimal.Decimal `json:"liquidation_penalty" gorm:"type:decimal(65,30)"`

	IsActive           bool `json:"is_active"`
	CanBorrowFrom      bool `json:"can_borrow_from"`
	CanUseAsCollateral bool `json:"can_use_as_collateral"`

	// Flag snapshot taken when the whole pool pauses, restored on unpause.
	PrePauseActive     bool `json:"pre_pause_active"`
	PrePauseCollateral bool `json:"pre_pause_collateral"`
	PrePauseBorrow     bool `json:"pre_pause_borrow"`

	InputTokenPriceUSD     decimal.Decimal `json:"input_token_price_usd" gorm:"type:decimal(65,30)"`
	TotalDepositBalanceUSD decimal.Decimal `json:"total_deposit_balance_usd" gorm:"type:decimal(65,30)"`
	TotalBorrowBalanceUSD  decimal.Decimal `json:"total_borrow_balance_usd" gorm:"type:decimal(65,30)"`

	LenderRate           decimal.NullDecimal `json:"lender_rate" gorm:"type:decimal(65,30)"`
	VariableBorrowerRate decimal.NullDecimal `json:"variable_borrower_rate" gorm:"type:decimal(65,30)"`
	StableBorrowerRate   decimal.NullDecimal `json:"stable_borrower_rate" gorm:"type:decimal(65,30)"`

	CumulativeTotalRevenueUSD        decimal.Decimal `json:"cumulative_total_revenue_usd" gorm:"type:decimal(65,30)"`
	CumulativeProtocolSideRevenueUSD decimal.Decimal `json:"cumulative_protocol_side_revenue_usd" gorm:"type:decimal(65,30)"`
	CumulativeSupplySideRevenueUSD   decimal.Decimal `json:"cumulative_supply_side_revenue_usd" gorm:"type:decimal(65,30)"`
	CumulativeDepositUSD             decimal.Decimal `json:"cumulative_deposit_usd" gorm:"type:decimal(65,30)"`
	CumulativeBorrowUSD              decimal.Decimal `json:"cumulative_borrow_usd" gorm:"type:decimal(65,30)"`
	CumulativeLiquidateUSD           decimal.Decimal `json:"cumulative_liquidate_usd" gorm:"type:decimal(65,30)"`
	CumulativeFlashLoanUSD           decimal.Decimal `json:"cumulative_flash_loan_usd" gorm:"type:decimal(65,30)"`

	PositionCount          int `json:"position_count"`
	OpenPositionCount      int `json:"open_position_count"`
	ClosedPositionCount    int `json:"closed_position_count"`
	LendingPositionCount   int `json:"lending_position_count"`
	BorrowingPositionCount int `json:"borrowing_position_count"`

	CreatedBlock     uint64 `json:"created_block"`
	CreatedTimestamp uint64 `json:"created_timestamp"`
	// Unix seconds of the last reward emission recomputation.
	LastRewardUpdate uint64 `json:"last_reward_update"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Market model
func (Market) TableName() string {
	return "markets"
}

// Account is one participant address with aggregate counters and the
// list of markets it has enabled as collateral.
type Account struct {
	ID           string `json:"id" gorm:"primaryKey;size:128"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`
	Address      string `json:"address" gorm:"size:42;not null"`

	PositionCount       int `json:"position_count"`
	OpenPositionCount   int `json:"open_position_count"`
	ClosedPositionCount int `json:"closed_position_count"`

	DepositCount   int `json:"deposit_count"`
	WithdrawCount  int `json:"withdraw_count"`
	BorrowCount    int `json:"borrow_count"`
	RepayCount     int `json:"repay_count"`
	LiquidateCount int `json:"liquidate_count"`
	// Times this account was liquidated.
	LiquidationCount int `json:"liquidation_count"`

	EnabledCollaterals pq.StringArray `json:"enabled_collaterals" gorm:"type:text[]"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Account model
func (Account) TableName() string {
	return "accounts"
}

// PositionCounter tracks the current epoch for one
// (account, market, side[, rate-type]) tuple. The position id is the
// counter id plus the epoch, so a closed position is never reused.
type PositionCounter struct {
	ID           string `json:"id" gorm:"primaryKey;size:256"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`
	NextEpoch    int    `json:"next_epoch"`
	LastActivity uint64 `json:"last_activity"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for PositionCounter model
func (PositionCounter) TableName() string {
	return "position_counters"
}

// Position is one open-to-close lifecycle of a tuple. Closed positions
// are immutable history; further activity opens a new epoch.
type Position struct {
	ID           string `json:"id" gorm:"primaryKey;size:256"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`
	AccountID    string `json:"account_id" gorm:"size:128;index;not null"`
	MarketID     string `json:"market_id" gorm:"size:128;index;not null"`
	Asset        string `json:"asset" gorm:"size:42;not null"`

	Side     PositionSide `json:"side" gorm:"size:16;not null"`
	RateType RateType     `json:"rate_type" gorm:"size:16"`

	// Balance in the token's native units; non-negative.
	Balance   decimal.Decimal     `json:"balance" gorm:"type:decimal(65,0)"`
	Principal decimal.NullDecimal `json:"principal" gorm:"type:decimal(65,0)"`

	IsCollateral bool `json:"is_collateral"`
	IsIsolated   bool `json:"is_isolated"`

	HashOpened      string `json:"hash_opened" gorm:"size:66"`
	BlockOpened     uint64 `json:"block_opened"`
	TimestampOpened uint64 `json:"timestamp_opened"`

	HashClosed      string `json:"hash_closed" gorm:"size:66"`
	BlockClosed     uint64 `json:"block_closed"`
	TimestampClosed uint64 `json:"timestamp_closed"`
	Closed          bool   `json:"closed"`

	DepositCount     int `json:"deposit_count"`
	WithdrawCount    int `json:"withdraw_count"`
	BorrowCount      int `json:"borrow_count"`
	RepayCount       int `json:"repay_count"`
	LiquidationCount int `json:"liquidation_count"`
	TransferredCount int `json:"transferred_count"`
	ReceivedCount    int `json:"received_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Position model
func (Position) TableName() string {
	return "positions"
}

// BeforeCreate rejects negative balances; the ledger closes a position
// at exactly zero, below zero is a bookkeeping defect.
func (p *Position) BeforeCreate(tx *gorm.DB) error {
	if p.Balance.IsNegative() {
		return gorm.ErrInvalidData
	}
	return nil
}

// PositionSnapshot is an append-only record of a position's balance
// and the market index at one event. Write-once.
type PositionSnapshot struct {
	ID           string `json:"id" gorm:"primaryKey;size:320"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`
	PositionID   string `json:"position_id" gorm:"size:256;index;not null"`
	AccountID    string `json:"account_id" gorm:"size:128;index;not null"`

	Balance    decimal.Decimal     `json:"balance" gorm:"type:decimal(65,0)"`
	BalanceUSD decimal.Decimal     `json:"balance_usd" gorm:"type:decimal(65,30)"`
	Principal  decimal.NullDecimal `json:"principal" gorm:"type:decimal(65,0)"`
	// Market supply or borrow index (ray) at the snapshot instant.
	Index decimal.NullDecimal `json:"index" gorm:"type:decimal(65,0)"`

	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`
	TxHash      string `json:"tx_hash" gorm:"size:66"`
	LogIndex    uint   `json:"log_index"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for PositionSnapshot model
func (PositionSnapshot) TableName() string {
	return "position_snapshots"
}

// RewardEmission is the current daily emission of one reward token on
// one side of a market. Recomputed in place, never accumulated.
type RewardEmission struct {
	ID           string `json:"id" gorm:"primaryKey;size:256"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`
	MarketID     string `json:"market_id" gorm:"size:128;index;not null"`
	RewardToken  string `json:"reward_token" gorm:"size:42;not null"`

	RewardType RewardType `json:"reward_type" gorm:"size:24;not null"`

	DailyAmount decimal.Decimal `json:"daily_amount" gorm:"type:decimal(65,0)"`
	DailyUSD    decimal.Decimal `json:"daily_usd" gorm:"type:decimal(65,30)"`

	UpdatedBlock uint64 `json:"updated_block"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for RewardEmission model
func (RewardEmission) TableName() string {
	return "reward_emissions"
}

// Activity is one append-only journal row per balance-moving event:
// deposits, withdrawals, borrows, repayments, liquidations and flash
// loans. Write-once.
type Activity struct {
	ID           string `json:"id" gorm:"primaryKey;size:128"`
	DeploymentID string `json:"deployment_id" gorm:"size:64;index;not null"`
	MarketID     string `json:"market_id" gorm:"size:128;index;not null"`
	AccountID    string `json:"account_id" gorm:"size:128;index"`

	Type TransactionType `json:"type" gorm:"size:16;not null;index"`

	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(65,0)"`
	AmountUSD decimal.Decimal `json:"amount_usd" gorm:"type:decimal(65,30)"`

	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`
	TxHash      string `json:"tx_hash" gorm:"size:66;index"`
	LogIndex    uint   `json:"log_index"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for Activity model
func (Activity) TableName() string {
	return "activities"
}

// Entity id helpers. Every id carries the deployment so concurrent
// deployments never share a namespace.

func MarketID(deployment, asset string) string {
	return deployment + ":" + asset
}

func TokenID(deployment, address string) string {
	return deployment + ":" + address
}

func AccountID(deployment, address string) string {
	return deployment + ":" + address
}

// CounterID identifies a position tuple. rateType is empty for
// collateral positions.
func CounterID(deployment, account, market string, side PositionSide, rateType RateType) string {
	id := fmt.Sprintf("%s:%s-%s-%s", deployment, account, market, side)
	if rateType != "" {
		id += "-" + string(rateType)
	}
	return id
}

// PositionID appends the epoch to the tuple id.
func PositionID(counterID string, epoch int) string {
	return fmt.Sprintf("%s-%d", counterID, epoch)
}

// SnapshotID is unique per position touch.
func SnapshotID(positionID, txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%s-%d", positionID, txHash, logIndex)
}

// RewardEmissionID identifies one (market, token, type) emission row.
func RewardEmissionID(marketID, rewardToken string, rewardType RewardType) string {
	return fmt.Sprintf("%s-%s-%s", marketID, rewardToken, rewardType)
}

// ActivityID identifies one journal row by its log coordinates.
func ActivityID(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%d", txHash, logIndex)
}
