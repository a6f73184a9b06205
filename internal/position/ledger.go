package position

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openlend/lendledger/internal/config"
	"github.com/openlend/lendledger/internal/models"
)

// Touch carries the event coordinates and valuation of one position
// update. Every touch appends exactly one snapshot.
type Touch struct {
	Type       models.TransactionType
	Block      uint64
	Timestamp  uint64
	TxHash     string
	LogIndex   uint
	BalanceUSD decimal.Decimal
	Principal  decimal.NullDecimal
	// Market supply or borrow index (ray) at the event.
	Index decimal.NullDecimal
}

// Ledger owns the open/close/reopen lifecycle of positions. A tuple's
// current epoch lives in its PositionCounter; closing at exactly zero
// balance increments the epoch so the next touch opens a fresh
// position id. Counter mutations on the passed account, market and
// deployment records accumulate in memory; the caller persists them
// once per event.
type Ledger struct {
	repo       Repository
	deployment *config.Deployment
	log        *logrus.Entry
}

// NewLedger creates a position ledger for one deployment.
func NewLedger(repo Repository, deployment *config.Deployment) *Ledger {
	return &Ledger{
		repo:       repo,
		deployment: deployment,
		log:        logrus.WithField("component", "position"),
	}
}

// Increase applies a balance-increasing event, opening the tuple's
// position if none is open.
func (l *Ledger) Increase(account *models.Account, market *models.Market, protocol *models.Deployment, side models.PositionSide, rateType models.RateType, newBalance decimal.Decimal, touch Touch) (*models.Position, error) {
	counter, err := l.counter(account, market, side, rateType, touch.Timestamp)
	if err != nil {
		return nil, err
	}

	positionID := models.PositionID(counter.ID, counter.NextEpoch)
	position, err := l.repo.GetPosition(positionID)
	if err != nil {
		return nil, err
	}

	if position == nil {
		position = &models.Position{
			ID:              positionID,
			DeploymentID:    l.deployment.ID,
			AccountID:       account.ID,
			MarketID:        market.ID,
			Asset:           market.UnderlyingAsset,
			Side:            side,
			RateType:        rateType,
			IsCollateral:    side == models.SideCollateral && market.CanUseAsCollateral,
			HashOpened:      touch.TxHash,
			BlockOpened:     touch.Block,
			TimestampOpened: touch.Timestamp,
		}
		l.open(account, market, protocol, side)
		position.Balance = newBalance
		l.bump(position, touch.Type, true)
		if touch.Principal.Valid {
			position.Principal = touch.Principal
		}
		if err := l.repo.CreatePosition(position); err != nil {
			return nil, err
		}
	} else {
		position.Balance = newBalance
		l.bump(position, touch.Type, true)
		if touch.Principal.Valid {
			position.Principal = touch.Principal
		}
		if err := l.repo.UpdatePosition(position); err != nil {
			return nil, err
		}
	}

	counter.LastActivity = touch.Timestamp
	if err := l.repo.SaveCounter(counter); err != nil {
		return nil, err
	}
	return position, l.snapshot(position, touch)
}

// Decrease applies a balance-decreasing event. A post-event balance of
// exactly zero closes the position and advances the epoch. A missing
// open position is a missing-reference condition: logged, nil returned,
// no state touched.
func (l *Ledger) Decrease(account *models.Account, market *models.Market, protocol *models.Deployment, side models.PositionSide, rateType models.RateType, newBalance decimal.Decimal, touch Touch) (*models.Position, error) {
	counterID := models.CounterID(l.deployment.ID, account.Address, market.ID, side, rateType)
	counter, err := l.repo.GetCounter(counterID)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		l.warnMissing(counterID, touch)
		return nil, nil
	}

	positionID := models.PositionID(counter.ID, counter.NextEpoch)
	position, err := l.repo.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if position == nil || position.Closed {
		l.warnMissing(positionID, touch)
		return nil, nil
	}

	position.Balance = newBalance
	l.bump(position, touch.Type, false)
	if touch.Principal.Valid {
		position.Principal = touch.Principal
	}

	if newBalance.IsZero() {
		position.Closed = true
		position.HashClosed = touch.TxHash
		position.BlockClosed = touch.Block
		position.TimestampClosed = touch.Timestamp
		l.close(account, market, protocol, side)
		counter.NextEpoch++
	}

	if err := l.repo.UpdatePosition(position); err != nil {
		return nil, err
	}
	counter.LastActivity = touch.Timestamp
	if err := l.repo.SaveCounter(counter); err != nil {
		return nil, err
	}
	return position, l.snapshot(position, touch)
}

// SetCollateralFlag records an explicit collateral enable/disable on
// the tuple's currently open position, if one exists. Flag events are
// independent of balance transitions and never open or close anything.
func (l *Ledger) SetCollateralFlag(account *models.Account, market *models.Market, enabled bool) error {
	position, err := l.openPosition(account, market, models.SideCollateral, "")
	if err != nil || position == nil {
		return err
	}
	position.IsCollateral = enabled
	return l.repo.UpdatePosition(position)
}

// SetIsolated marks the open borrower position as isolation-mode.
func (l *Ledger) SetIsolated(account *models.Account, market *models.Market, rateType models.RateType, isolated bool) error {
	position, err := l.openPosition(account, market, models.SideBorrower, rateType)
	if err != nil || position == nil {
		return err
	}
	position.IsIsolated = isolated
	return l.repo.UpdatePosition(position)
}

func (l *Ledger) openPosition(account *models.Account, market *models.Market, side models.PositionSide, rateType models.RateType) (*models.Position, error) {
	counterID := models.CounterID(l.deployment.ID, account.Address, market.ID, side, rateType)
	counter, err := l.repo.GetCounter(counterID)
	if err != nil || counter == nil {
		return nil, err
	}
	position, err := l.repo.GetPosition(models.PositionID(counter.ID, counter.NextEpoch))
	if err != nil || position == nil || position.Closed {
		return nil, err
	}
	return position, nil
}

func (l *Ledger) counter(account *models.Account, market *models.Market, side models.PositionSide, rateType models.RateType, timestamp uint64) (*models.PositionCounter, error) {
	id := models.CounterID(l.deployment.ID, account.Address, market.ID, side, rateType)
	counter, err := l.repo.GetCounter(id)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		counter = &models.PositionCounter{
			ID:           id,
			DeploymentID: l.deployment.ID,
			LastActivity: timestamp,
		}
	}
	return counter, nil
}

func (l *Ledger) open(account *models.Account, market *models.Market, protocol *models.Deployment, side models.PositionSide) {
	account.PositionCount++
	account.OpenPositionCount++
	market.PositionCount++
	market.OpenPositionCount++
	if side == models.SideBorrower {
		market.BorrowingPositionCount++
	} else {
		market.LendingPositionCount++
	}
	protocol.CumulativePositionCount++
	protocol.OpenPositionCount++
}

func (l *Ledger) close(account *models.Account, market *models.Market, protocol *models.Deployment, side models.PositionSide) {
	account.OpenPositionCount--
	account.ClosedPositionCount++
	market.OpenPositionCount--
	market.ClosedPositionCount++
	protocol.OpenPositionCount--
}

func (l *Ledger) bump(position *models.Position, txType models.TransactionType, increasing bool) {
	switch txType {
	case models.TxDeposit:
		position.DepositCount++
	case models.TxWithdraw:
		position.WithdrawCount++
	case models.TxBorrow:
		position.BorrowCount++
	case models.TxRepay:
		position.RepayCount++
	case models.TxLiquidate:
		position.LiquidationCount++
	case models.TxTransfer:
		if increasing {
			position.ReceivedCount++
		} else {
			position.TransferredCount++
		}
	}
}

func (l *Ledger) snapshot(position *models.Position, touch Touch) error {
	return l.repo.CreateSnapshot(&models.PositionSnapshot{
		ID:           models.SnapshotID(position.ID, touch.TxHash, touch.LogIndex),
		DeploymentID: l.deployment.ID,
		PositionID:   position.ID,
		AccountID:    position.AccountID,
		Balance:      position.Balance,
		BalanceUSD:   touch.BalanceUSD,
		Principal:    position.Principal,
		Index:        touch.Index,
		BlockNumber:  touch.Block,
		Timestamp:    touch.Timestamp,
		TxHash:       touch.TxHash,
		LogIndex:     touch.LogIndex,
	})
}

func (l *Ledger) warnMissing(id string, touch Touch) {
	l.log.WithFields(logrus.Fields{
		"id":    id,
		"tx":    touch.TxHash,
		"block": touch.Block,
	}).Warn("Position not found for balance-decreasing event, update skipped")
}
