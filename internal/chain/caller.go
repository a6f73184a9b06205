package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// PoolInfo is the per-pool slice of a reward distributor's state.
type PoolInfo struct {
	// Allocation weight of this pool relative to TotalAllocPoint.
	AllocPoint *big.Int
}

// Caller is the synchronous, block-pinned read facility the ledger
// uses for everything it cannot derive from events alone. Every call
// is a point-in-time query at the given block; implementations return
// an error when the call reverts and callers substitute their
// documented zero-default.
type Caller interface {
	AssetPrice(ctx context.Context, oracle, asset common.Address, block uint64) (*big.Int, error)
	FallbackOracle(ctx context.Context, oracle common.Address, block uint64) (common.Address, error)

	TotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error)
	ScaledTotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address, block uint64) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	TokenName(ctx context.Context, token common.Address) (string, error)

	// Packed 256-bit reserve configuration word from the pool.
	ReserveConfiguration(ctx context.Context, pool, asset common.Address, block uint64) (*big.Int, error)

	IncentivesController(ctx context.Context, token common.Address, block uint64) (common.Address, error)
	RewardToken(ctx context.Context, controller common.Address, block uint64) (common.Address, error)
	// Underlying token a staked reward derivative wraps, if any.
	StakedToken(ctx context.Context, token common.Address, block uint64) (common.Address, error)
	PoolInfo(ctx context.Context, controller, pool common.Address, block uint64) (PoolInfo, error)
	TotalAllocPoint(ctx context.Context, controller common.Address, block uint64) (*big.Int, error)
	RewardsPerSecond(ctx context.Context, controller common.Address, block uint64) (*big.Int, error)
	// Reward units per second assigned directly to one asset
	// (Aave-style incentives controllers).
	AssetEmissionPerSecond(ctx context.Context, controller, asset common.Address, block uint64) (*big.Int, error)
}

const callerABI = `[
  {"name":"getAssetPrice","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getFallbackOracle","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"totalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"scaledTotalSupply","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"getConfiguration","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"data","type":"uint256"}]},
  {"name":"getIncentivesController","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"REWARD_TOKEN","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"STAKED_TOKEN","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"poolInfo","type":"function","stateMutability":"view","inputs":[{"name":"pool","type":"address"}],"outputs":[{"name":"lastRewardTime","type":"uint256"},{"name":"allocPoint","type":"uint256"},{"name":"accRewardPerShare","type":"uint256"}]},
  {"name":"totalAllocPoint","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"rewardsPerSecond","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"assets","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"emissionPerSecond","type":"uint128"},{"name":"lastUpdateTimestamp","type":"uint128"},{"name":"index","type":"uint256"}]}
]`

// EthCaller implements Caller over a JSON-RPC client.
type EthCaller struct {
	client *ethclient.Client
	abi    abi.ABI
}

// NewEthCaller wraps an ethclient connection.
func NewEthCaller(client *ethclient.Client) (*EthCaller, error) {
	parsed, err := abi.JSON(strings.NewReader(callerABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ABI: %w", err)
	}
	return &EthCaller{client: client, abi: parsed}, nil
}

func blockArg(block uint64) *big.Int {
	if block == 0 {
		return nil // latest
	}
	return new(big.Int).SetUint64(block)
}

func (c *EthCaller) call(ctx context.Context, to common.Address, block uint64, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, blockArg(block))
	if err != nil {
		return nil, fmt.Errorf("chain: %s on %s reverted: %w", method, to.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: %s on %s returned no data", method, to.Hex())
	}
	return c.abi.Unpack(method, out)
}

func (c *EthCaller) callBig(ctx context.Context, to common.Address, block uint64, method string, args ...interface{}) (*big.Int, error) {
	res, err := c.call(ctx, to, block, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s returned unexpected type %T", method, res[0])
	}
	return v, nil
}

func (c *EthCaller) callAddress(ctx context.Context, to common.Address, block uint64, method string, args ...interface{}) (common.Address, error) {
	res, err := c.call(ctx, to, block, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := res[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: %s returned unexpected type %T", method, res[0])
	}
	return v, nil
}

func (c *EthCaller) AssetPrice(ctx context.Context, oracle, asset common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, oracle, block, "getAssetPrice", asset)
}

func (c *EthCaller) FallbackOracle(ctx context.Context, oracle common.Address, block uint64) (common.Address, error) {
	return c.callAddress(ctx, oracle, block, "getFallbackOracle")
}

func (c *EthCaller) TotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, token, block, "totalSupply")
}

func (c *EthCaller) ScaledTotalSupply(ctx context.Context, token common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, token, block, "scaledTotalSupply")
}

func (c *EthCaller) BalanceOf(ctx context.Context, token, account common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, token, block, "balanceOf", account)
}

func (c *EthCaller) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	res, err := c.call(ctx, token, 0, "decimals")
	if err != nil {
		return 0, err
	}
	v, ok := res[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: decimals returned unexpected type %T", res[0])
	}
	return v, nil
}

func (c *EthCaller) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	res, err := c.call(ctx, token, 0, "symbol")
	if err != nil {
		return "", err
	}
	v, _ := res[0].(string)
	return v, nil
}

func (c *EthCaller) TokenName(ctx context.Context, token common.Address) (string, error) {
	res, err := c.call(ctx, token, 0, "name")
	if err != nil {
		return "", err
	}
	v, _ := res[0].(string)
	return v, nil
}

func (c *EthCaller) ReserveConfiguration(ctx context.Context, pool, asset common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, pool, block, "getConfiguration", asset)
}

func (c *EthCaller) IncentivesController(ctx context.Context, token common.Address, block uint64) (common.Address, error) {
	return c.callAddress(ctx, token, block, "getIncentivesController")
}

func (c *EthCaller) RewardToken(ctx context.Context, controller common.Address, block uint64) (common.Address, error) {
	return c.callAddress(ctx, controller, block, "REWARD_TOKEN")
}

func (c *EthCaller) StakedToken(ctx context.Context, token common.Address, block uint64) (common.Address, error) {
	return c.callAddress(ctx, token, block, "STAKED_TOKEN")
}

func (c *EthCaller) PoolInfo(ctx context.Context, controller, pool common.Address, block uint64) (PoolInfo, error) {
	res, err := c.call(ctx, controller, block, "poolInfo", pool)
	if err != nil {
		return PoolInfo{}, err
	}
	alloc, ok := res[1].(*big.Int)
	if !ok {
		return PoolInfo{}, fmt.Errorf("chain: poolInfo returned unexpected type %T", res[1])
	}
	return PoolInfo{AllocPoint: alloc}, nil
}

func (c *EthCaller) TotalAllocPoint(ctx context.Context, controller common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, controller, block, "totalAllocPoint")
}

func (c *EthCaller) RewardsPerSecond(ctx context.Context, controller common.Address, block uint64) (*big.Int, error) {
	return c.callBig(ctx, controller, block, "rewardsPerSecond")
}

func (c *EthCaller) AssetEmissionPerSecond(ctx context.Context, controller, asset common.Address, block uint64) (*big.Int, error) {
	res, err := c.call(ctx, controller, block, "assets", asset)
	if err != nil {
		return nil, err
	}
	v, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: assets returned unexpected type %T", res[0])
	}
	return v, nil
}
