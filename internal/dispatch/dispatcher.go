package dispatch

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/openlend/lendledger/internal/account"
	"github.com/openlend/lendledger/internal/accounting"
	"github.com/openlend/lendledger/internal/chain"
	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/fixedpoint"
	"github.com/openlend/lendledger/internal/market"
	"github.com/openlend/lendledger/internal/models"
	"github.com/openlend/lendledger/internal/oracle"
	"github.com/openlend/lendledger/internal/position"
	"github.com/openlend/lendledger/internal/protocol"
	"github.com/openlend/lendledger/internal/rewards"
	"github.com/openlend/lendledger/internal/token"
	"github.com/openlend/lendledger/internal/transaction"
)

var percentBase = decimal.NewFromInt(100)

// Dispatcher applies decoded events to the ledger. Every event runs in
// one database transaction: all entity mutations for the event commit
// together or not at all. Events for one deployment must be delivered
// in chain order by a single goroutine.
type Dispatcher struct {
	db         *gorm.DB
	caller     chain.Caller
	resolver   oracle.Resolver
	calculator *rewards.Calculator
	deployment *config.Deployment
	log        *logrus.Entry
}

// NewDispatcher creates a dispatcher for one deployment.
func NewDispatcher(db *gorm.DB, caller chain.Caller, resolver oracle.Resolver, calculator *rewards.Calculator, deployment *config.Deployment) *Dispatcher {
	return &Dispatcher{
		db:         db,
		caller:     caller,
		resolver:   resolver,
		calculator: calculator,
		deployment: deployment,
		log:        logrus.WithField("component", "dispatch"),
	}
}

// Apply processes one event atomically.
func (d *Dispatcher) Apply(ctx context.Context, event Event) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		s := d.newSession(tx)
		return s.apply(ctx, event)
	})
}

// session binds the repositories and ledgers to one transaction.
type session struct {
	deployment *config.Deployment
	caller     chain.Caller
	resolver   oracle.Resolver
	calculator *rewards.Calculator
	markets    *market.Ledger
	marketRepo market.Repository
	positions  *position.Ledger
	accounts   account.Service
	tokens     token.Service
	protocols  protocol.Service
	journal    transaction.Repository
	log        *logrus.Entry
}

func (d *Dispatcher) newSession(tx *gorm.DB) *session {
	marketRepo := market.NewMarketRepository(tx)
	return &session{
		deployment: d.deployment,
		caller:     d.caller,
		resolver:   d.resolver,
		calculator: d.calculator,
		markets:    market.NewLedger(marketRepo, d.caller, d.deployment),
		marketRepo: marketRepo,
		positions:  position.NewLedger(position.NewPositionRepository(tx), d.deployment),
		accounts:   account.NewService(account.NewAccountRepository(tx), d.deployment),
		tokens:     token.NewService(token.NewTokenRepository(tx), d.caller, d.deployment),
		protocols:  protocol.NewService(protocol.NewDeploymentRepository(tx), d.deployment),
		journal:    transaction.NewActivityRepository(tx),
		log:        d.log,
	}
}

func (s *session) apply(ctx context.Context, e Event) error {
	switch p := e.Payload.(type) {
	case *ReserveInitialized:
		return s.handleReserveInitialized(ctx, e, p)
	case *CollateralConfigChanged:
		return s.handleCollateralConfigChanged(e, p)
	case *BorrowingChanged:
		return s.handleBorrowingChanged(e, p)
	case *ReserveActivationChanged:
		return s.handleReserveActivationChanged(e, p)
	case *ReserveFrozen:
		return s.handleReserveFrozen(e, p)
	case *PoolPaused:
		return s.markets.SetPaused(p.Paused)
	case *ReserveFactorChanged:
		return s.handleReserveFactorChanged(e, p)
	case *LiquidationProtocolFeeChanged:
		return s.handleLiquidationProtocolFeeChanged(e, p)
	case *FlashLoanPremiumChanged:
		return s.handleFlashLoanPremiumChanged(p)
	case *OracleUpdated:
		return s.handleOracleUpdated(p)
	case *ReserveDataUpdated:
		return s.handleReserveDataUpdated(ctx, e, p)
	case *Deposit:
		return s.handleDeposit(ctx, e, p)
	case *Withdraw:
		return s.handleWithdraw(ctx, e, p)
	case *Borrow:
		return s.handleBorrow(ctx, e, p)
	case *Repay:
		return s.handleRepay(ctx, e, p)
	case *Liquidation:
		return s.handleLiquidation(ctx, e, p)
	case *FlashLoan:
		return s.handleFlashLoan(ctx, e, p)
	case *BalanceTransfer:
		return s.handleBalanceTransfer(ctx, e, p)
	case *CollateralUsageChanged:
		return s.handleCollateralUsageChanged(ctx, e, p)
	case *RateModeSwapped:
		return s.handleRateModeSwapped(ctx, e, p)
	case *RewardConfigUpdated:
		return s.handleRewardConfigUpdated(ctx, e, p)
	}
	return nil
}

func (s *session) handleReserveInitialized(ctx context.Context, e Event, p *ReserveInitialized) error {
	underlying, err := s.tokens.GetOrCreate(ctx, p.Asset, models.MarketID(s.deployment.ID, p.Asset))
	if err != nil {
		return err
	}

	mkt, err := s.markets.CreateMarket(p.Asset, p.ReceiptToken, p.VariableDebtToken, p.StableDebtToken, underlying.Name, e.Block, e.Timestamp)
	if err == market.ErrMarketExists {
		s.warnMissing("market", models.MarketID(s.deployment.ID, p.Asset), e)
		return nil
	}
	if err != nil {
		return err
	}

	for _, addr := range []string{p.ReceiptToken, p.VariableDebtToken, p.StableDebtToken} {
		if addr == "" {
			continue
		}
		if _, err := s.tokens.GetOrCreate(ctx, addr, mkt.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) handleCollateralConfigChanged(e Event, p *CollateralConfigChanged) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	return s.markets.UpdateCollateralConfig(mkt, &p.LTV.Int, &p.LiquidationThreshold.Int, &p.LiquidationBonus.Int)
}

func (s *session) handleBorrowingChanged(e Event, p *BorrowingChanged) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	return s.markets.SetBorrowing(mkt, p.Enabled)
}

func (s *session) handleReserveActivationChanged(e Event, p *ReserveActivationChanged) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	return s.markets.SetActive(mkt, p.Active)
}

func (s *session) handleReserveFrozen(e Event, p *ReserveFrozen) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	return s.markets.Freeze(mkt)
}

func (s *session) handleReserveFactorChanged(e Event, p *ReserveFactorChanged) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	return s.markets.SetReserveFactor(mkt, &p.Factor.Int)
}

func (s *session) handleLiquidationProtocolFeeChanged(e Event, p *LiquidationProtocolFeeChanged) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	return s.markets.SetLiquidationProtocolFee(mkt, &p.Fee.Int)
}

func (s *session) handleFlashLoanPremiumChanged(p *FlashLoanPremiumChanged) error {
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	return s.protocols.SetFlashLoanPremiums(record,
		fixedpoint.ScaleDown(&p.Total.Int, 4),
		fixedpoint.ScaleDown(&p.ToProtocol.Int, 4))
}

func (s *session) handleOracleUpdated(p *OracleUpdated) error {
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	return s.protocols.SetDefaultOracle(record, p.Oracle)
}

func (s *session) handleReserveDataUpdated(ctx context.Context, e Event, p *ReserveDataUpdated) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}

	if err := s.markets.EnsureRiskParameters(ctx, mkt, e.Block); err != nil {
		return err
	}

	underlying, err := s.tokens.GetOrCreate(ctx, mkt.UnderlyingAsset, mkt.ID)
	if err != nil {
		return err
	}
	price := s.price(ctx, record, mkt.UnderlyingAsset, underlying.Decimals, e.Block)
	mkt.InputTokenPriceUSD = price
	if err := s.tokens.RecordPrice(underlying, price); err != nil {
		return err
	}

	oldIndex, ok := s.markets.ApplyIndexes(mkt, &p.LiquidityIndex.Int, &p.VariableBorrowIndex.Int)
	if ok {
		scaled := s.scaledSupply(ctx, mkt.ReceiptToken, e.Block)
		total := accounting.RevenueDelta(scaled, underlying.Decimals, oldIndex, mkt.LiquidityIndex, price)

		reserveFactor := decimal.Zero
		if mkt.ReserveFactor.Valid {
			reserveFactor = mkt.ReserveFactor.Decimal
		} else if total.IsPositive() {
			s.log.WithField("market", mkt.ID).Warn("Reserve factor unknown, protocol side of revenue treated as zero")
		}
		protocolUSD, supplyUSD := accounting.SplitRevenue(total, reserveFactor)
		s.markets.AddRevenue(mkt, total, protocolUSD, supplyUSD)
		s.protocols.AddRevenue(record, total, protocolUSD, supplyUSD)
	}

	s.markets.SetRates(mkt,
		accounting.NormalizeInterestRate(&p.LiquidityRate.Int, accounting.RatePercentExponent),
		accounting.NormalizeInterestRate(&p.VariableBorrowRate.Int, accounting.RatePercentExponent),
		accounting.NormalizeInterestRate(&p.StableBorrowRate.Int, accounting.RatePercentExponent))

	s.refreshRewards(ctx, mkt, record, e, false)

	if err := s.markets.Save(mkt); err != nil {
		return err
	}
	return s.protocols.Save(record)
}

func (s *session) handleDeposit(ctx context.Context, e Event, p *Deposit) error {
	return s.applyBalanceChange(ctx, e, p.Asset, p.Account, &p.Amount.Int, models.SideCollateral, "", models.TxDeposit, true)
}

func (s *session) handleWithdraw(ctx context.Context, e Event, p *Withdraw) error {
	return s.applyBalanceChange(ctx, e, p.Asset, p.Account, &p.Amount.Int, models.SideCollateral, "", models.TxWithdraw, false)
}

func (s *session) handleBorrow(ctx context.Context, e Event, p *Borrow) error {
	if err := s.applyBalanceChange(ctx, e, p.Asset, p.Account, &p.Amount.Int, models.SideBorrower, p.RateType, models.TxBorrow, true); err != nil {
		return err
	}
	if !p.Isolated {
		return nil
	}
	mkt, err := s.markets.Market(p.Asset)
	if err != nil || mkt == nil {
		return err
	}
	acct, err := s.accounts.Get(models.AccountID(s.deployment.ID, p.Account))
	if err != nil || acct == nil {
		return err
	}
	return s.positions.SetIsolated(acct, mkt, p.RateType, true)
}

func (s *session) handleRepay(ctx context.Context, e Event, p *Repay) error {
	return s.applyBalanceChange(ctx, e, p.Asset, p.Account, &p.Amount.Int, models.SideBorrower, p.RateType, models.TxRepay, false)
}

// applyBalanceChange is the shared deposit/withdraw/borrow/repay path:
// value the amount, re-read the account's post-event balance from the
// side's token, and run the position state machine.
func (s *session) applyBalanceChange(ctx context.Context, e Event, asset, accountAddr string, amount *big.Int, side models.PositionSide, rateType models.RateType, txType models.TransactionType, increasing bool) error {
	mkt, err := s.marketFor(asset, e)
	if err != nil || mkt == nil {
		return err
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	acct, err := s.accounts.GetOrCreate(accountAddr, record)
	if err != nil {
		return err
	}

	underlying, err := s.tokens.GetOrCreate(ctx, mkt.UnderlyingAsset, mkt.ID)
	if err != nil {
		return err
	}
	price := s.price(ctx, record, mkt.UnderlyingAsset, underlying.Decimals, e.Block)
	amountUSD := fixedpoint.ScaleDown(amount, int32(underlying.Decimals)).Mul(price)

	balance := s.balanceOf(ctx, s.sideToken(mkt, side, rateType), accountAddr, e.Block)
	touch := s.touch(mkt, side, txType, e, balance, price, underlying.Decimals)

	var pos *models.Position
	if increasing {
		pos, err = s.positions.Increase(acct, mkt, record, side, rateType, balance, touch)
	} else {
		pos, err = s.positions.Decrease(acct, mkt, record, side, rateType, balance, touch)
	}
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	if err := s.accounts.CountTransaction(acct, txType, false); err != nil {
		return err
	}
	if err := s.recordActivity(e, txType, mkt.ID, acct.ID, amount, amountUSD); err != nil {
		return err
	}

	switch txType {
	case models.TxDeposit:
		mkt.CumulativeDepositUSD = mkt.CumulativeDepositUSD.Add(amountUSD)
	case models.TxBorrow:
		mkt.CumulativeBorrowUSD = mkt.CumulativeBorrowUSD.Add(amountUSD)
	}
	s.protocols.AddVolume(record, txType, amountUSD)

	if err := s.markets.Save(mkt); err != nil {
		return err
	}
	return s.protocols.Save(record)
}

func (s *session) handleLiquidation(ctx context.Context, e Event, p *Liquidation) error {
	collateralMkt, err := s.marketFor(p.CollateralAsset, e)
	if err != nil || collateralMkt == nil {
		return err
	}
	debtMkt, err := s.marketFor(p.DebtAsset, e)
	if err != nil || debtMkt == nil {
		return err
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	borrower, err := s.accounts.GetOrCreate(p.Borrower, record)
	if err != nil {
		return err
	}
	liquidator, err := s.accounts.GetOrCreate(p.Liquidator, record)
	if err != nil {
		return err
	}

	collateralToken, err := s.tokens.GetOrCreate(ctx, collateralMkt.UnderlyingAsset, collateralMkt.ID)
	if err != nil {
		return err
	}
	price := s.price(ctx, record, collateralMkt.UnderlyingAsset, collateralToken.Decimals, e.Block)
	seizedUSD := fixedpoint.ScaleDown(&p.AmountSeized.Int, int32(collateralToken.Decimals)).Mul(price)

	// the debt side is valued in its own market's terms, not the
	// collateral's
	debtToken, err := s.tokens.GetOrCreate(ctx, debtMkt.UnderlyingAsset, debtMkt.ID)
	if err != nil {
		return err
	}
	debtPrice := s.price(ctx, record, debtMkt.UnderlyingAsset, debtToken.Decimals, e.Block)

	// double entry: borrower loses collateral and debt, liquidator
	// gains the seized collateral
	borrowerCollateral := s.balanceOf(ctx, collateralMkt.ReceiptToken, p.Borrower, e.Block)
	if _, err := s.positions.Decrease(borrower, collateralMkt, record, models.SideCollateral, "",
		borrowerCollateral, s.touch(collateralMkt, models.SideCollateral, models.TxLiquidate, e, borrowerCollateral, price, collateralToken.Decimals)); err != nil {
		return err
	}

	borrowerDebt := s.balanceOf(ctx, s.sideToken(debtMkt, models.SideBorrower, p.DebtRateType), p.Borrower, e.Block)
	if _, err := s.positions.Decrease(borrower, debtMkt, record, models.SideBorrower, p.DebtRateType,
		borrowerDebt, s.touch(debtMkt, models.SideBorrower, models.TxLiquidate, e, borrowerDebt, debtPrice, debtToken.Decimals)); err != nil {
		return err
	}

	liquidatorCollateral := s.balanceOf(ctx, collateralMkt.ReceiptToken, p.Liquidator, e.Block)
	if liquidatorCollateral.IsPositive() {
		if _, err := s.positions.Increase(liquidator, collateralMkt, record, models.SideCollateral, "",
			liquidatorCollateral, s.touch(collateralMkt, models.SideCollateral, models.TxLiquidate, e, liquidatorCollateral, price, collateralToken.Decimals)); err != nil {
			return err
		}
	}

	if err := s.accounts.CountTransaction(borrower, models.TxLiquidate, true); err != nil {
		return err
	}
	if err := s.accounts.CountTransaction(liquidator, models.TxLiquidate, false); err != nil {
		return err
	}
	if err := s.recordActivity(e, models.TxLiquidate, collateralMkt.ID, borrower.ID, &p.AmountSeized.Int, seizedUSD); err != nil {
		return err
	}

	// the protocol's cut of the liquidation bonus never surfaces as an
	// event; back-calculate it from the seized amount
	if collateralMkt.LiquidationProtocolFee.Valid {
		feeUSD := accounting.LiquidationProtocolFeeUSD(seizedUSD,
			collateralMkt.LiquidationPenalty.Div(percentBase),
			collateralMkt.LiquidationProtocolFee.Decimal)
		s.markets.AddRevenue(collateralMkt, feeUSD, feeUSD, decimal.Zero)
		s.protocols.AddRevenue(record, feeUSD, feeUSD, decimal.Zero)
	}

	collateralMkt.CumulativeLiquidateUSD = collateralMkt.CumulativeLiquidateUSD.Add(seizedUSD)
	s.protocols.AddVolume(record, models.TxLiquidate, seizedUSD)

	if err := s.markets.Save(collateralMkt); err != nil {
		return err
	}
	return s.protocols.Save(record)
}

func (s *session) handleFlashLoan(ctx context.Context, e Event, p *FlashLoan) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}

	underlying, err := s.tokens.GetOrCreate(ctx, mkt.UnderlyingAsset, mkt.ID)
	if err != nil {
		return err
	}
	price := s.price(ctx, record, mkt.UnderlyingAsset, underlying.Decimals, e.Block)
	amountUSD := fixedpoint.ScaleDown(&p.Amount.Int, int32(underlying.Decimals)).Mul(price)
	premiumUSD := fixedpoint.ScaleDown(&p.Premium.Int, int32(underlying.Decimals)).Mul(price)

	// premium splits only where a to-protocol rate was configured;
	// earlier protocol generations pay the whole premium to suppliers
	toProtocol := decimal.Zero
	if record.FlashLoanPremiumRateToProtocol.Valid {
		toProtocol = record.FlashLoanPremiumRateToProtocol.Decimal
	}
	protocolUSD, supplyUSD := accounting.FlashLoanPremiumSplit(premiumUSD, toProtocol)
	s.markets.AddRevenue(mkt, premiumUSD, protocolUSD, supplyUSD)
	s.protocols.AddRevenue(record, premiumUSD, protocolUSD, supplyUSD)

	mkt.CumulativeFlashLoanUSD = mkt.CumulativeFlashLoanUSD.Add(amountUSD)
	s.protocols.AddVolume(record, models.TxFlashLoan, amountUSD)

	// flash loans leave no position behind; the journal row is the only
	// per-account trace
	if err := s.recordActivity(e, models.TxFlashLoan, mkt.ID, models.AccountID(s.deployment.ID, p.Initiator), &p.Amount.Int, amountUSD); err != nil {
		return err
	}

	if err := s.markets.Save(mkt); err != nil {
		return err
	}
	return s.protocols.Save(record)
}

func (s *session) handleBalanceTransfer(ctx context.Context, e Event, p *BalanceTransfer) error {
	// mint, burn and self transfers are covered by the deposit/borrow
	// family of events
	if p.From == "" || p.To == "" || isZeroAddress(p.From) || isZeroAddress(p.To) || p.From == p.To {
		return nil
	}

	mkt, err := s.markets.MarketByToken(p.Token)
	if err != nil {
		return err
	}
	if mkt == nil {
		s.warnMissing("market", p.Token, e)
		return nil
	}

	side := models.SideCollateral
	rateType := models.RateType("")
	switch p.Token {
	case mkt.VariableDebtToken:
		side = models.SideBorrower
		rateType = models.RateVariable
	case mkt.StableDebtToken:
		side = models.SideBorrower
		rateType = models.RateStable
	}

	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	sender, err := s.accounts.GetOrCreate(p.From, record)
	if err != nil {
		return err
	}
	receiver, err := s.accounts.GetOrCreate(p.To, record)
	if err != nil {
		return err
	}

	underlying, err := s.tokens.GetOrCreate(ctx, mkt.UnderlyingAsset, mkt.ID)
	if err != nil {
		return err
	}
	price := s.price(ctx, record, mkt.UnderlyingAsset, underlying.Decimals, e.Block)

	senderBalance := s.balanceOf(ctx, p.Token, p.From, e.Block)
	if _, err := s.positions.Decrease(sender, mkt, record, side, rateType,
		senderBalance, s.touch(mkt, side, models.TxTransfer, e, senderBalance, price, underlying.Decimals)); err != nil {
		return err
	}

	receiverBalance := s.balanceOf(ctx, p.Token, p.To, e.Block)
	if _, err := s.positions.Increase(receiver, mkt, record, side, rateType,
		receiverBalance, s.touch(mkt, side, models.TxTransfer, e, receiverBalance, price, underlying.Decimals)); err != nil {
		return err
	}

	return s.protocols.Save(record)
}

func (s *session) handleCollateralUsageChanged(ctx context.Context, e Event, p *CollateralUsageChanged) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	acct, err := s.accounts.GetOrCreate(p.Account, record)
	if err != nil {
		return err
	}

	if p.Enabled {
		if err := s.accounts.EnableCollateral(acct, mkt.ID); err != nil {
			return err
		}
	} else {
		if err := s.accounts.DisableCollateral(acct, mkt.ID); err != nil {
			return err
		}
	}
	if err := s.positions.SetCollateralFlag(acct, mkt, p.Enabled); err != nil {
		return err
	}
	return s.protocols.Save(record)
}

// handleRateModeSwapped closes the borrow epoch on the old rate tuple
// and opens one on the new tuple; a swap is a new borrowing identity,
// not an update.
func (s *session) handleRateModeSwapped(ctx context.Context, e Event, p *RateModeSwapped) error {
	mkt, err := s.marketFor(p.Asset, e)
	if err != nil || mkt == nil {
		return err
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}
	acct, err := s.accounts.GetOrCreate(p.Account, record)
	if err != nil {
		return err
	}

	from := models.RateStable
	if p.To == models.RateStable {
		from = models.RateVariable
	}

	underlying, err := s.tokens.GetOrCreate(ctx, mkt.UnderlyingAsset, mkt.ID)
	if err != nil {
		return err
	}
	price := s.price(ctx, record, mkt.UnderlyingAsset, underlying.Decimals, e.Block)

	oldBalance := s.balanceOf(ctx, s.sideToken(mkt, models.SideBorrower, from), p.Account, e.Block)
	if _, err := s.positions.Decrease(acct, mkt, record, models.SideBorrower, from,
		oldBalance, s.touch(mkt, models.SideBorrower, models.TxTransfer, e, oldBalance, price, underlying.Decimals)); err != nil {
		return err
	}

	newBalance := s.balanceOf(ctx, s.sideToken(mkt, models.SideBorrower, p.To), p.Account, e.Block)
	if newBalance.IsPositive() {
		if _, err := s.positions.Increase(acct, mkt, record, models.SideBorrower, p.To,
			newBalance, s.touch(mkt, models.SideBorrower, models.TxTransfer, e, newBalance, price, underlying.Decimals)); err != nil {
			return err
		}
	}
	return s.protocols.Save(record)
}

func (s *session) handleRewardConfigUpdated(ctx context.Context, e Event, p *RewardConfigUpdated) error {
	mkt, err := s.markets.MarketByToken(p.Token)
	if err != nil {
		return err
	}
	if mkt == nil {
		s.warnMissing("market", p.Token, e)
		return nil
	}
	record, err := s.protocols.GetOrCreate()
	if err != nil {
		return err
	}

	// a config change invalidates the current figures regardless of age
	s.refreshRewards(ctx, mkt, record, e, true)
	return s.markets.Save(mkt)
}

// refreshRewards recomputes the market's daily emissions, subject to
// the staleness guard unless forced.
func (s *session) refreshRewards(ctx context.Context, mkt *models.Market, record *models.Deployment, e Event, force bool) {
	if !force && !s.calculator.ShouldUpdate(mkt, e.Timestamp) {
		return
	}
	oracleAddr := common.HexToAddress(record.DefaultOracle)
	emissions, err := s.calculator.MarketEmissions(ctx, mkt, oracleAddr, e.Block)
	if err != nil {
		s.log.WithField("market", mkt.ID).WithError(err).Warn("Reward emission recomputation failed")
		return
	}
	for i := range emissions {
		if err := s.marketRepo.SaveEmission(&emissions[i]); err != nil {
			s.log.WithField("market", mkt.ID).WithError(err).Warn("Reward emission save failed")
			return
		}
	}
	mkt.LastRewardUpdate = e.Timestamp
}

// marketFor loads a market by underlying asset, logging the
// missing-reference case. (nil, nil) means "skip this event".
func (s *session) marketFor(asset string, e Event) (*models.Market, error) {
	mkt, err := s.markets.Market(asset)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		s.warnMissing("market", models.MarketID(s.deployment.ID, asset), e)
		return nil, nil
	}
	return mkt, nil
}

// price resolves the USD price through the deployment's default
// oracle. No oracle yet means everything values at zero.
func (s *session) price(ctx context.Context, record *models.Deployment, asset string, decimals uint8, block uint64) decimal.Decimal {
	if record.DefaultOracle == "" {
		return decimal.Zero
	}
	price, err := s.resolver.AssetPriceUSD(ctx, common.HexToAddress(record.DefaultOracle), common.HexToAddress(asset), decimals, block)
	if err != nil {
		s.log.WithField("asset", asset).WithError(err).Warn("Price resolution failed, valuing at zero")
		return decimal.Zero
	}
	return price
}

// balanceOf reads an account's post-event token balance; a reverted
// call reads as zero.
func (s *session) balanceOf(ctx context.Context, tokenAddr, accountAddr string, block uint64) decimal.Decimal {
	if tokenAddr == "" {
		return decimal.Zero
	}
	raw, err := s.caller.BalanceOf(ctx, common.HexToAddress(tokenAddr), common.HexToAddress(accountAddr), block)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"token":   tokenAddr,
			"account": accountAddr,
			"block":   block,
		}).WithError(err).Warn("Balance read reverted, treating as zero")
		return decimal.Zero
	}
	return fixedpoint.FromBig(raw)
}

func (s *session) scaledSupply(ctx context.Context, receiptToken string, block uint64) decimal.Decimal {
	if receiptToken == "" {
		return decimal.Zero
	}
	addr := common.HexToAddress(receiptToken)
	raw, err := s.caller.ScaledTotalSupply(ctx, addr, block)
	if err != nil {
		// older receipt tokens predate the scaled accessor
		raw, err = s.caller.TotalSupply(ctx, addr, block)
		if err != nil {
			s.log.WithField("token", receiptToken).WithError(err).Warn("Supply read reverted, revenue skipped")
			return decimal.Zero
		}
	}
	return fixedpoint.FromBig(raw)
}

func (s *session) sideToken(mkt *models.Market, side models.PositionSide, rateType models.RateType) string {
	if side == models.SideCollateral {
		return mkt.ReceiptToken
	}
	if rateType == models.RateStable {
		return mkt.StableDebtToken
	}
	return mkt.VariableDebtToken
}

func (s *session) touch(mkt *models.Market, side models.PositionSide, txType models.TransactionType, e Event, balance, price decimal.Decimal, decimals uint8) position.Touch {
	index := mkt.LiquidityIndex
	if side == models.SideBorrower {
		index = mkt.VariableBorrowIndex
	}
	return position.Touch{
		Type:       txType,
		Block:      e.Block,
		Timestamp:  e.Timestamp,
		TxHash:     e.TxHash,
		LogIndex:   e.LogIndex,
		BalanceUSD: balance.Div(fixedpoint.Exponent(int32(decimals))).Mul(price),
		Index:      decimal.NewNullDecimal(index),
	}
}

// recordActivity appends one journal row for a balance-moving event.
func (s *session) recordActivity(e Event, txType models.TransactionType, marketID, accountID string, amount *big.Int, amountUSD decimal.Decimal) error {
	return s.journal.Create(&models.Activity{
		ID:           models.ActivityID(e.TxHash, e.LogIndex),
		DeploymentID: s.deployment.ID,
		MarketID:     marketID,
		AccountID:    accountID,
		Type:         txType,
		Amount:       fixedpoint.FromBig(amount),
		AmountUSD:    amountUSD,
		BlockNumber:  e.Block,
		Timestamp:    e.Timestamp,
		TxHash:       e.TxHash,
		LogIndex:     e.LogIndex,
	})
}

func (s *session) warnMissing(kind, id string, e Event) {
	s.log.WithFields(logrus.Fields{
		"kind":  kind,
		"id":    id,
		"tx":    e.TxHash,
		"block": e.Block,
	}).Warn("Referenced entity not found, event skipped")
}

func isZeroAddress(addr string) bool {
	return addr == "0x0000000000000000000000000000000000000000"
}
