package resolver

import (
	"encoding/json"
	"maps"
	"sort"

	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
)

// PrimaryWallet 是必须存在的主钱包占位符，同时也是手续费支付者。
const PrimaryWallet = "USER_WALLET_PUBKEY"

// AccountState 是某个占位符当前的链上状态。Exists=false 表示链上不存在，而不是状态未知。
type AccountState struct {
	Address     string        `yaml:"address" json:"address"`
	Balance     chain.Amount  `yaml:"balance" json:"balance"`
	Owner       string        `yaml:"owner,omitempty" json:"owner,omitempty"`
	Executable  bool          `yaml:"executable,omitempty" json:"executable,omitempty"`
	DataLen     int           `yaml:"data_len,omitempty" json:"data_len,omitempty"`
	Exists      bool          `yaml:"exists" json:"exists"`
	Mint        string        `yaml:"mint,omitempty" json:"mint,omitempty"`
	TokenOwner  string        `yaml:"token_owner,omitempty" json:"token_owner,omitempty"`
	TokenAmount *chain.Amount `yaml:"token_amount,omitempty" json:"token_amount,omitempty"`
	Decimals    uint8         `yaml:"decimals,omitempty" json:"decimals,omitempty"`
}

// IsToken 判断该状态是否描述代币持仓。
func (s AccountState) IsToken() bool {
	return s.Mint != ""
}

// StepEntry 是某一步写入快照的结果，写入后不再修改。
type StepEntry struct {
	Step    int             `yaml:"step" json:"step"`
	Tool    string          `yaml:"tool,omitempty" json:"tool,omitempty"`
	Success bool            `yaml:"success" json:"success"`
	Output  json.RawMessage `yaml:"-" json:"output,omitempty"`
}

// Snapshot 是一次请求独占的上下文快照。
// StepResults 以步骤序号为下标追加，nil 表示该步缺失。
type Snapshot struct {
	KeyMap        map[string]string       `json:"key_map"`
	AccountStates map[string]AccountState `json:"account_states"`
	FeePayer      string                  `json:"fee_payer,omitempty"`
	CurrentStep   int                     `json:"current_step"`
	StepResults   []*StepEntry            `json:"step_results,omitempty"`
	HasContext    bool                    `json:"has_context"`
}

// NewSnapshot 返回空快照。
func NewSnapshot() *Snapshot {
	return &Snapshot{
		KeyMap:        make(map[string]string),
		AccountStates: make(map[string]AccountState),
	}
}

// Clone 深拷贝快照，用于记录执行前后的状态。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		KeyMap:        maps.Clone(s.KeyMap),
		AccountStates: make(map[string]AccountState, len(s.AccountStates)),
		FeePayer:      s.FeePayer,
		CurrentStep:   s.CurrentStep,
		HasContext:    s.HasContext,
	}
	for k, v := range s.AccountStates {
		if v.TokenAmount != nil {
			amt := *v.TokenAmount
			v.TokenAmount = &amt
		}
		out.AccountStates[k] = v
	}
	for _, entry := range s.StepResults {
		if entry == nil {
			out.StepResults = append(out.StepResults, nil)
			continue
		}
		cp := *entry
		out.StepResults = append(out.StepResults, &cp)
	}
	return out
}

// Address 返回占位符解析出的地址。
func (s *Snapshot) Address(placeholder string) (string, bool) {
	addr, ok := s.KeyMap[placeholder]
	return addr, ok
}

// Placeholders 返回排序后的占位符列表。
func (s *Snapshot) Placeholders() []string {
	names := make([]string, 0, len(s.KeyMap))
	for name := range s.KeyMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Account 实现 benchmark.StateView。
func (s *Snapshot) Account(placeholder string) (benchmark.AccountView, bool) {
	st, ok := s.AccountStates[placeholder]
	if !ok {
		return benchmark.AccountView{}, false
	}
	view := benchmark.AccountView{Native: st.Balance, Exists: st.Exists, Decimals: st.Decimals, HasToken: st.IsToken()}
	if st.TokenAmount != nil {
		view.Token = *st.TokenAmount
	}
	return view, true
}

// StepResult 返回指定步骤的结果。
func (s *Snapshot) StepResult(step int) (*StepEntry, bool) {
	if step < 0 || step >= len(s.StepResults) || s.StepResults[step] == nil {
		return nil, false
	}
	return s.StepResults[step], true
}

var _ benchmark.StateView = (*Snapshot)(nil)
