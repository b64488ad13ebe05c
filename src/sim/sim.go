// Package sim provides in-memory stand-ins for the chain-side collaborators of the paymaster:
// price feeds, the token, the entry point and the swap venue.
package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Oracle is a settable price feed
type Oracle struct {
	mu        sync.Mutex
	id        string
	decimals  uint8
	answer    *big.Int
	round     int64
	updatedAt time.Time
	err       error
	calls     int
	now       func() time.Time
}

func NewOracle(id string, decimals uint8, answer int64) *Oracle {
	return &Oracle{
		id:       id,
		decimals: decimals,
		answer:   big.NewInt(answer),
		round:    1,
		now:      time.Now,
	}
}

func (o *Oracle) ID() string {
	return o.id
}

// SetPrice publishes a new round
func (o *Oracle) SetPrice(answer int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.answer = big.NewInt(answer)
	o.round++
	o.updatedAt = time.Time{}
}

// SetUpdatedAt pins the round timestamp; the zero time means "now"
func (o *Oracle) SetUpdatedAt(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updatedAt = t
}

// Fail makes every call return err until cleared with nil
func (o *Oracle) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *Oracle) LatestRound(ctx context.Context) (*domain.RoundData, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls++
	if o.err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrOracleUnreachable, o.err)
	}
	updatedAt := o.updatedAt
	if updatedAt.IsZero() {
		updatedAt = o.now()
	}
	return &domain.RoundData{
		RoundID:         big.NewInt(o.round),
		Answer:          new(big.Int).Set(o.answer),
		StartedAt:       updatedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: big.NewInt(o.round),
		Decimals:        o.decimals,
	}, nil
}

// Token is an ERC-20 ledger with privileged mint and approve
type Token struct {
	mu          sync.Mutex
	address     common.Address
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	transferErr error
}

func NewToken(address common.Address) *Token {
	return &Token{
		address:    address,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *Token) Address() common.Address {
	return t.address
}

func (t *Token) Mint(to common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(to, amount)
}

func (t *Token) Approve(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*big.Int)
	}
	t.allowances[owner][spender] = new(big.Int).Set(amount)
}

// FailTransfers makes outgoing transfers fail with err until cleared with nil
func (t *Token) FailTransfers(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferErr = err
}

func (t *Token) Balance(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance(owner)
}

func (t *Token) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	return t.Balance(owner), nil
}

func (t *Token) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

// TotalSupply is the sum of all balances
func (t *Token) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := new(big.Int)
	for _, b := range t.balances {
		total.Add(total, b)
	}
	return total
}

// Account returns the token as seen by holder, who signs transfers and spends allowances
func (t *Token) Account(holder common.Address) *TokenAccount {
	return &TokenAccount{token: t, holder: holder}
}

func (t *Token) balance(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (t *Token) credit(to common.Address, amount *big.Int) {
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
}

func (t *Token) move(from, to common.Address, amount *big.Int) error {
	if t.transferErr != nil {
		return t.transferErr
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount %s", amount)
	}
	if t.balance(from).Cmp(amount) < 0 {
		return fmt.Errorf("transfer amount exceeds balance of %s", from.Hex())
	}
	t.balances[from] = new(big.Int).Sub(t.balance(from), amount)
	t.credit(to, amount)
	return nil
}

// TokenAccount is a Token bound to one holder
type TokenAccount struct {
	token  *Token
	holder common.Address
}

func (a *TokenAccount) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return a.token.BalanceOf(ctx, owner)
}

func (a *TokenAccount) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return a.token.Allowance(ctx, owner, spender)
}

func (a *TokenAccount) TransferFrom(_ context.Context, owner, to common.Address, amount *big.Int) error {
	t := a.token
	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := new(big.Int)
	if v, ok := t.allowances[owner][a.holder]; ok {
		allowance = v
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient allowance for %s", a.holder.Hex())
	}
	if err := t.move(owner, to, amount); err != nil {
		return err
	}
	if allowance.Cmp(math.MaxBig256) != 0 {
		t.allowances[owner][a.holder] = new(big.Int).Sub(allowance, amount)
	}
	return nil
}

func (a *TokenAccount) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	t := a.token
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(a.holder, to, amount)
}

// EntryPoint keeps deposits and stakes for paymasters
type EntryPoint struct {
	mu       sync.Mutex
	caller   common.Address
	deposits map[common.Address]*big.Int
	stakes   map[common.Address]*big.Int
	delays   map[common.Address]uint32
	err      error
}

// NewEntryPoint returns an entry point whose AddStake calls are made by caller
func NewEntryPoint(caller common.Address) *EntryPoint {
	return &EntryPoint{
		caller:   caller,
		deposits: make(map[common.Address]*big.Int),
		stakes:   make(map[common.Address]*big.Int),
		delays:   make(map[common.Address]uint32),
	}
}

// Fail makes every call return err until cleared with nil
func (e *EntryPoint) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *EntryPoint) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.deposit(account), nil
}

func (e *EntryPoint) DepositTo(_ context.Context, account common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.deposits[account] = new(big.Int).Add(e.deposit(account), amount)
	return nil
}

func (e *EntryPoint) AddStake(_ context.Context, unstakeDelaySec uint32, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	if unstakeDelaySec == 0 {
		return fmt.Errorf("must specify unstake delay")
	}
	stake, ok := e.stakes[e.caller]
	if !ok {
		stake = new(big.Int)
	}
	e.stakes[e.caller] = new(big.Int).Add(stake, amount)
	e.delays[e.caller] = unstakeDelaySec
	return nil
}

// Stake returns the stake and unstake delay of account
func (e *EntryPoint) Stake(account common.Address) (*big.Int, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stake, ok := e.stakes[account]
	if !ok {
		return new(big.Int), 0
	}
	return new(big.Int).Set(stake), e.delays[account]
}

// Charge deducts an operation's gas cost from account's deposit
func (e *EntryPoint) Charge(account common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	deposit := e.deposit(account)
	if deposit.Cmp(amount) < 0 {
		return fmt.Errorf("deposit of %s too low: %s < %s", account.Hex(), deposit, amount)
	}
	e.deposits[account] = deposit.Sub(deposit, amount)
	return nil
}

func (e *EntryPoint) deposit(account common.Address) *big.Int {
	if d, ok := e.deposits[account]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// Venue is a fixed-rate token/native pool with finite native liquidity.
// Rate is token units per native unit scaled by domain.PriceDenominator, like oracle prices.
type Venue struct {
	mu        sync.Mutex
	token     *Token
	seller    common.Address
	pool      common.Address
	rate      *big.Int
	liquidity *big.Int
	swaps     int
}

func NewVenue(token *Token, seller, pool common.Address, rate, liquidity *big.Int) *Venue {
	return &Venue{
		token:     token,
		seller:    seller,
		pool:      pool,
		rate:      new(big.Int).Set(rate),
		liquidity: new(big.Int).Set(liquidity),
	}
}

func (v *Venue) SetRate(rate *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rate = new(big.Int).Set(rate)
}

func (v *Venue) Liquidity() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.liquidity)
}

func (v *Venue) Swaps() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.swaps
}

// Quote is the native output for amountIn at the current rate
func (v *Venue) Quote(amountIn *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.quote(amountIn)
}

func (v *Venue) quote(amountIn *big.Int) *big.Int {
	out := new(big.Int).Mul(amountIn, domain.PriceDenominator)
	return out.Quo(out, v.rate)
}

func (v *Venue) Swap(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.TokenIn != v.token.Address() {
		return nil, fmt.Errorf("%w: no pool for %s", domain.ErrInsufficientLiquidity, req.TokenIn.Hex())
	}
	out := v.quote(req.AmountIn)
	if out.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s tokens quote to nothing", domain.ErrInsufficientLiquidity, req.AmountIn)
	}
	if out.Cmp(v.liquidity) > 0 {
		return nil, fmt.Errorf("%w: need %s, pool holds %s", domain.ErrInsufficientLiquidity, out, v.liquidity)
	}
	if out.Cmp(req.MinOut) < 0 {
		return nil, fmt.Errorf("%w: out %s < minimum %s", domain.ErrSlippageExceeded, out, req.MinOut)
	}
	if err := v.token.Account(v.seller).Transfer(ctx, v.pool, req.AmountIn); err != nil {
		return nil, fmt.Errorf("failed to pull tokens: %w", err)
	}

	v.liquidity.Sub(v.liquidity, out)
	v.swaps++
	return out, nil
}
