package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// SwapRouter02 exactInputSingle and WETH9 withdraw
const swapRouterABI = `[
	{"inputs":[{"components":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},{"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}],"name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

const wethABI = `[
	{"inputs":[{"name":"wad","type":"uint256"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	parsedSwapRouterABI = erc4337.MustParseABI(swapRouterABI)
	parsedWETHABI       = erc4337.MustParseABI(wethABI)
)

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// UniswapVenue swaps the paymaster's tokens to WETH through a V3 router and unwraps the proceeds
type UniswapVenue struct {
	router     *bind.BoundContract
	routerAddr common.Address
	weth       *bind.BoundContract
	wethAddr   common.Address
	token      *ERC20Ledger
	transactor *erc4337.Transactor
}

func NewUniswapVenue(router, weth common.Address, token *ERC20Ledger, transactor *erc4337.Transactor) *UniswapVenue {
	return &UniswapVenue{
		router:     transactor.Bind(router, parsedSwapRouterABI),
		routerAddr: router,
		weth:       transactor.Bind(weth, parsedWETHABI),
		wethAddr:   weth,
		token:      token,
		transactor: transactor,
	}
}

func (v *UniswapVenue) params(req domain.SwapRequest, minOut *big.Int) exactInputSingleParams {
	return exactInputSingleParams{
		TokenIn:           req.TokenIn,
		TokenOut:          v.wethAddr,
		Fee:               new(big.Int).SetUint64(uint64(req.PoolFee)),
		Recipient:         v.transactor.Address(),
		AmountIn:          req.AmountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: new(big.Int),
	}
}

// Swap simulates the swap first so a short output is reported as slippage instead of a reverted transaction
func (v *UniswapVenue) Swap(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	if err := v.token.EnsureAllowance(ctx, v.routerAddr, req.AmountIn); err != nil {
		return nil, fmt.Errorf("failed to approve router: %w", err)
	}

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: v.transactor.Address()}
	if err := v.router.Call(opts, &out, "exactInputSingle", v.params(req, new(big.Int))); err != nil {
		return nil, fmt.Errorf("%w: quote failed: %w", domain.ErrInsufficientLiquidity, err)
	}
	quoted := *abiConvert[*big.Int](out[0])
	if quoted.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s tokens quote to nothing", domain.ErrInsufficientLiquidity, req.AmountIn)
	}
	if quoted.Cmp(req.MinOut) < 0 {
		return nil, fmt.Errorf("%w: quoted %s < minimum %s", domain.ErrSlippageExceeded, quoted, req.MinOut)
	}

	before, err := v.wethBalance(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := v.transactor.Send(ctx, v.router, nil, "exactInputSingle", v.params(req, req.MinOut)); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSlippageExceeded, err)
	}
	after, err := v.wethBalance(ctx)
	if err != nil {
		return nil, err
	}

	received := new(big.Int).Sub(after, before)
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("%w: swap returned no WETH", domain.ErrInsufficientLiquidity)
	}
	if _, err := v.transactor.Send(ctx, v.weth, nil, "withdraw", received); err != nil {
		return nil, fmt.Errorf("failed to unwrap WETH: %w", err)
	}

	return received, nil
}

func (v *UniswapVenue) wethBalance(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	if err := v.weth.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", v.transactor.Address()); err != nil {
		return nil, fmt.Errorf("failed to read WETH balance: %w", err)
	}
	return *abiConvert[*big.Int](out[0]), nil
}
