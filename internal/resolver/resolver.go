// Package resolver 负责把基准用例中的占位符解析为真实地址，推导关联账户地址，
// 汇总链上账户状态形成上下文快照，并在每一步执行后对快照进行合并与刷新。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
	apperrors "AgentFlow-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const associatedSuffix = "_ATA_PLACEHOLDER"

var (
	// DefaultFactory 是关联地址推导使用的默认 CREATE2 工厂地址。
	DefaultFactory = common.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")
	// DefaultInitCodeHash 是默认的账户合约初始化代码哈希。
	DefaultInitCodeHash = crypto.Keccak256Hash([]byte("agentflow.associated-account.v1"))
)

// Resolver 是上下文解析器。provider 为空时使用用例中声明的状态，适用于离线导出与测试。
type Resolver struct {
	provider     chain.AccountStateProvider
	keys         *chain.Keyring
	factory      common.Address
	initCodeHash common.Hash
	interpreters *Interpreters
	log          *slog.Logger
}

// Option 配置解析器。
type Option func(*Resolver)

// WithLogger 设置日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// WithInterpreters 替换结果解释器注册表。
func WithInterpreters(in *Interpreters) Option {
	return func(r *Resolver) {
		if in != nil {
			r.interpreters = in
		}
	}
}

// WithDerivation 设置关联地址推导使用的工厂与初始化代码哈希。
func WithDerivation(factory common.Address, initCodeHash common.Hash) Option {
	return func(r *Resolver) {
		if factory != (common.Address{}) {
			r.factory = factory
		}
		if initCodeHash != (common.Hash{}) {
			r.initCodeHash = initCodeHash
		}
	}
}

// New 构造解析器。keys 为空时创建新的密钥环。
func New(provider chain.AccountStateProvider, keys *chain.Keyring, opts ...Option) *Resolver {
	if keys == nil {
		keys = chain.NewKeyring()
	}
	r := &Resolver{
		provider:     provider,
		keys:         keys,
		factory:      DefaultFactory,
		initCodeHash: DefaultInitCodeHash,
		interpreters: DefaultInterpreters(),
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Keyring 返回解析器使用的密钥环，生成的占位符地址可以用它签名。
func (r *Resolver) Keyring() *chain.Keyring {
	return r.keys
}

// ResolveInitialContext 解析初始状态：占位符分配新地址，字面地址原样保留，
// 断言中的 owner+mint 提示触发关联地址推导，最后查询全部地址的链上状态。
func (r *Resolver) ResolveInitialContext(ctx context.Context, initial []benchmark.InitialAccount, truth benchmark.GroundTruth, existing map[string]string) (*Snapshot, error) {
	snap := NewSnapshot()
	for name, addr := range existing {
		if !common.IsHexAddress(addr) {
			return nil, apperrors.New(apperrors.CodeFatal, fmt.Sprintf("existing key %s maps to invalid address %q", name, addr))
		}
		snap.KeyMap[name] = common.HexToAddress(addr).Hex()
	}

	declared := make(map[string]benchmark.InitialAccount, len(initial))
	// 先解析普通账户，代币账户的 owner 可能引用它们。
	for _, acc := range initial {
		if acc.Data != nil {
			continue
		}
		if _, err := r.resolvePlaceholder(snap, acc.Pubkey); err != nil {
			return nil, err
		}
		declared[acc.Pubkey] = acc
	}
	for _, acc := range initial {
		if acc.Data == nil {
			continue
		}
		if err := r.resolveTokenAccount(snap, acc); err != nil {
			return nil, err
		}
		declared[acc.Pubkey] = acc
	}
	if _, ok := snap.KeyMap[PrimaryWallet]; ok {
		snap.FeePayer = PrimaryWallet
	}

	for _, a := range truth.FinalStateAssertions {
		if !a.HasDerivation() {
			continue
		}
		name, addr, ok, err := r.RegisterAssociated(snap, a.Owner, a.Mint)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.log.Warn("cannot derive associated address, owner not resolved", slog.String("owner", a.Owner))
			continue
		}
		if a.Pubkey != "" && a.Pubkey != name {
			if _, exists := snap.KeyMap[a.Pubkey]; !exists && !common.IsHexAddress(a.Pubkey) {
				snap.KeyMap[a.Pubkey] = addr
				snap.AccountStates[a.Pubkey] = snap.AccountStates[name]
			}
		}
	}

	if err := r.seed(ctx, snap, declared); err != nil {
		return nil, err
	}
	snap.HasContext = len(initial) > 0
	r.log.Info("context resolved",
		slog.Int("placeholders", len(snap.KeyMap)),
		slog.Int("account_states", len(snap.AccountStates)))
	return snap, nil
}

func (r *Resolver) resolvePlaceholder(snap *Snapshot, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.New(apperrors.CodeUserInput, "empty account identifier")
	}
	if addr, ok := snap.KeyMap[name]; ok {
		return addr, nil
	}
	if common.IsHexAddress(name) {
		addr := common.HexToAddress(name).Hex()
		snap.KeyMap[name] = addr
		return addr, nil
	}
	if addr, ok := r.keys.Address(name); ok {
		snap.KeyMap[name] = addr.Hex()
		return addr.Hex(), nil
	}
	addr, err := r.keys.Generate(name)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeFatal, err, "generate placeholder address")
	}
	snap.KeyMap[name] = addr.Hex()
	r.log.Debug("placeholder resolved", slog.String("placeholder", name), slog.String("address", addr.Hex()))
	return addr.Hex(), nil
}

func (r *Resolver) resolveTokenAccount(snap *Snapshot, acc benchmark.InitialAccount) error {
	if !common.IsHexAddress(acc.Data.Mint) {
		return apperrors.New(apperrors.CodeUserInput, fmt.Sprintf("token account %s has invalid mint %q", acc.Pubkey, acc.Data.Mint))
	}
	owner, err := r.resolvePlaceholder(snap, acc.Data.Owner)
	if err != nil {
		return err
	}
	mint := common.HexToAddress(acc.Data.Mint)
	addr := acc.Pubkey
	if common.IsHexAddress(addr) {
		addr = common.HexToAddress(addr).Hex()
	} else if existing, ok := snap.KeyMap[acc.Pubkey]; ok {
		addr = existing
	} else {
		addr = r.DeriveAssociatedAddress(common.HexToAddress(owner), mint).Hex()
	}
	snap.KeyMap[acc.Pubkey] = addr
	snap.AccountStates[acc.Pubkey] = AccountState{
		Address:    addr,
		Mint:       mint.Hex(),
		TokenOwner: owner,
		Decimals:   acc.Data.Decimals,
	}
	return nil
}

// DeriveAssociatedAddress 由 (owner, mint) 确定性地推导关联账户地址，是纯函数。
func (r *Resolver) DeriveAssociatedAddress(owner, mint common.Address) common.Address {
	salt := crypto.Keccak256Hash(owner.Bytes(), mint.Bytes())
	return crypto.CreateAddress2(r.factory, salt, r.initCodeHash.Bytes())
}

// RegisterAssociated 推导 owner 在 mint 下的关联地址，并以 <OWNER>_ATA_PLACEHOLDER 登记。
// 重复调用得到相同结果且不会新增条目；owner 未解析时 ok 为 false。
func (r *Resolver) RegisterAssociated(snap *Snapshot, ownerPlaceholder, mint string) (name, addr string, ok bool, err error) {
	ownerAddr, found := snap.KeyMap[ownerPlaceholder]
	if !found {
		if !common.IsHexAddress(ownerPlaceholder) {
			return "", "", false, nil
		}
		ownerAddr = common.HexToAddress(ownerPlaceholder).Hex()
	}
	if !common.IsHexAddress(mint) {
		return "", "", false, apperrors.New(apperrors.CodeUserInput, fmt.Sprintf("invalid mint address %q in derivation", mint))
	}
	mintAddr := common.HexToAddress(mint)
	derived := r.DeriveAssociatedAddress(common.HexToAddress(ownerAddr), mintAddr).Hex()
	name = strings.ToUpper(ownerPlaceholder) + associatedSuffix

	snap.KeyMap[name] = derived
	st := snap.AccountStates[name]
	st.Address, st.Mint, st.TokenOwner = derived, mintAddr.Hex(), ownerAddr
	snap.AccountStates[name] = st
	r.log.Debug("associated address derived", slog.String("placeholder", name), slog.String("address", derived))
	return name, derived, true, nil
}

// seed 写入初始账户状态：有 provider 时查询链上，否则使用声明值。
func (r *Resolver) seed(ctx context.Context, snap *Snapshot, declared map[string]benchmark.InitialAccount) error {
	if r.provider != nil {
		return r.refresh(ctx, snap)
	}
	for name, addr := range snap.KeyMap {
		st := snap.AccountStates[name]
		st.Address = addr
		decl, ok := declared[name]
		switch {
		case st.IsToken():
			amount := chain.Amount{}
			if ok && decl.Data != nil {
				amount = decl.Data.Amount
			}
			st.TokenAmount = &amount
			st.Exists = ok
		case ok:
			st.Balance = decl.Balance
			st.Exists = true
		default:
			st.Exists = false
		}
		snap.AccountStates[name] = st
	}
	return nil
}

// refresh 重新查询全部被跟踪地址的链上状态。不存在的账户记为余额 0 且 Exists=false。
func (r *Resolver) refresh(ctx context.Context, snap *Snapshot) error {
	for _, name := range snap.Placeholders() {
		addr := snap.KeyMap[name]
		st := snap.AccountStates[name]
		st.Address = addr

		if st.IsToken() {
			tok, err := r.provider.GetTokenAccount(ctx, common.HexToAddress(st.Mint), common.HexToAddress(st.TokenOwner))
			switch {
			case errors.Is(err, chain.ErrAccountNotFound):
				zero := chain.Amount{}
				st.TokenAmount, st.Exists = &zero, false
			case err != nil:
				return apperrors.Wrap(apperrors.CodeNetwork, err, fmt.Sprintf("query token state of %s", name))
			default:
				amount := tok.Amount
				st.TokenAmount, st.Decimals, st.Exists = &amount, tok.Decimals, true
			}
			snap.AccountStates[name] = st
			continue
		}

		acc, err := r.provider.GetAccount(ctx, common.HexToAddress(addr))
		switch {
		case errors.Is(err, chain.ErrAccountNotFound):
			st.Balance, st.Owner, st.Executable, st.DataLen, st.Exists = chain.Amount{}, common.Address{}.Hex(), false, 0, false
		case err != nil:
			return apperrors.Wrap(apperrors.CodeNetwork, err, fmt.Sprintf("query account state of %s", name))
		default:
			st.Balance, st.Owner, st.Executable, st.DataLen, st.Exists = acc.Balance, acc.Owner.Hex(), acc.Executable, acc.DataLen, true
		}
		snap.AccountStates[name] = st
	}
	return nil
}

// UpdateContextAfterStep 记录某一步的结果：先用结果解释器就地合并余额，再在有 provider 时刷新链上状态。
// 同一步骤只能写入一次。
func (r *Resolver) UpdateContextAfterStep(ctx context.Context, snap *Snapshot, entry StepEntry) error {
	if entry.Step < 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "step number cannot be negative")
	}
	if existing, ok := snap.StepResult(entry.Step); ok && existing != nil {
		return apperrors.New(apperrors.CodeConflict, fmt.Sprintf("result for step %d already recorded", entry.Step))
	}
	for len(snap.StepResults) <= entry.Step {
		snap.StepResults = append(snap.StepResults, nil)
	}
	stored := entry
	snap.StepResults[entry.Step] = &stored
	snap.CurrentStep = entry.Step

	for _, u := range r.interpreters.Interpret(entry.Tool, entry.Output) {
		r.apply(snap, u)
	}
	if r.provider == nil {
		return nil
	}
	return r.refresh(ctx, snap)
}

func (r *Resolver) apply(snap *Snapshot, u Update) {
	for _, name := range snap.Placeholders() {
		st, ok := snap.AccountStates[name]
		if !ok {
			continue
		}
		matched := (u.Mint != "" && st.IsToken() && strings.EqualFold(st.Mint, u.Mint)) ||
			(u.Mint == "" && u.Hint != "" && strings.Contains(strings.ToUpper(name), strings.ToUpper(u.Hint)))
		if !matched {
			continue
		}
		amount := u.Amount
		st.TokenAmount, st.Exists = &amount, true
		snap.AccountStates[name] = st
		r.log.Info("balance merged from step result",
			slog.String("placeholder", name),
			slog.String("amount", amount.String()),
			slog.String("source", u.Source))
	}
}

// ValidateResolvedContext 校验快照：全部地址合法、主钱包存在、多步流程中当前步骤之前的结果无缺失。
func ValidateResolvedContext(snap *Snapshot) error {
	if snap == nil {
		return apperrors.New(apperrors.CodeFatal, "context snapshot is nil")
	}
	names := make([]string, 0, len(snap.KeyMap))
	for name := range snap.KeyMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if addr := snap.KeyMap[name]; !common.IsHexAddress(addr) {
			return apperrors.New(apperrors.CodeFatal, fmt.Sprintf("placeholder %s resolves to invalid address %q", name, addr))
		}
	}
	if _, ok := snap.KeyMap[PrimaryWallet]; !ok {
		return apperrors.New(apperrors.CodeUserInput, fmt.Sprintf("required placeholder %s missing from context", PrimaryWallet))
	}
	for step := 0; step < snap.CurrentStep; step++ {
		if _, ok := snap.StepResult(step); !ok {
			return apperrors.New(apperrors.CodeFatal, fmt.Sprintf("missing prerequisite: step %d requires the result of step %d", snap.CurrentStep, step))
		}
	}
	return nil
}

// Substitute 将指令中的占位符替换为解析后的地址。
func (s *Snapshot) Substitute(ix chain.Instruction) chain.Instruction {
	if addr, ok := s.KeyMap[ix.ProgramID]; ok {
		ix.ProgramID = addr
	}
	if len(ix.Accounts) > 0 {
		accounts := make([]chain.AccountMeta, len(ix.Accounts))
		for i, acc := range ix.Accounts {
			if addr, ok := s.KeyMap[acc.Pubkey]; ok {
				acc.Pubkey = addr
			}
			accounts[i] = acc
		}
		ix.Accounts = accounts
	}
	return ix
}
