package resolver

import (
	"bytes"
	"fmt"
	"sort"

	apperrors "AgentFlow-Chain/internal/errors"

	"gopkg.in/yaml.v3"
)

type exportStep struct {
	Step    int    `yaml:"step"`
	Tool    string `yaml:"tool,omitempty"`
	Success bool   `yaml:"success"`
	Output  string `yaml:"output,omitempty"`
}

type exportDoc struct {
	KeyMap        map[string]string       `yaml:"key_map"`
	AccountStates map[string]AccountState `yaml:"account_states"`
	FeePayer      string                  `yaml:"fee_payer,omitempty"`
	CurrentStep   int                     `yaml:"current_step"`
	HasContext    bool                    `yaml:"has_context"`
	StepResults   []exportStep            `yaml:"step_results,omitempty"`
}

// ExportYAML 以带注释的声明式 YAML 导出快照，键按字典序排列，供提示词与命令行使用。
func ExportYAML(snap *Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "context snapshot is nil")
	}
	root := &yaml.Node{Kind: yaml.MappingNode}

	keyMap := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range sortedKeys(snap.KeyMap) {
		keyMap.Content = append(keyMap.Content, scalar(name), scalar(snap.KeyMap[name]))
	}
	appendSection(root, "key_map", "Placeholder names resolved to on-chain addresses", keyMap)

	states := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range sortedKeys(snap.AccountStates) {
		var value yaml.Node
		if err := value.Encode(snap.AccountStates[name]); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, err, fmt.Sprintf("encode account state %s", name))
		}
		states.Content = append(states.Content, scalar(name), &value)
	}
	appendSection(root, "account_states", "Balance, ownership and existence of every tracked account", states)

	if snap.FeePayer != "" {
		appendSection(root, "fee_payer", "", scalar(snap.FeePayer))
	}
	appendSection(root, "current_step", "Multi-step flow position", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprint(snap.CurrentStep)})
	appendSection(root, "has_context", "", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprint(snap.HasContext)})

	if len(snap.StepResults) > 0 {
		var steps []exportStep
		for _, entry := range snap.StepResults {
			if entry == nil {
				continue
			}
			steps = append(steps, exportStep{Step: entry.Step, Tool: entry.Tool, Success: entry.Success, Output: string(entry.Output)})
		}
		var list yaml.Node
		if err := list.Encode(steps); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, err, "encode step results")
		}
		appendSection(root, "step_results", "Previous step results", &list)
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, HeadComment: "On-chain context for transaction planning", Content: []*yaml.Node{root}}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, err, "encode context snapshot")
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ImportYAML 读取 ExportYAML 的输出。
func ImportYAML(data []byte) (*Snapshot, error) {
	var doc exportDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "decode context snapshot")
	}
	snap := NewSnapshot()
	for k, v := range doc.KeyMap {
		snap.KeyMap[k] = v
	}
	for k, v := range doc.AccountStates {
		snap.AccountStates[k] = v
	}
	snap.FeePayer, snap.CurrentStep, snap.HasContext = doc.FeePayer, doc.CurrentStep, doc.HasContext
	for _, s := range doc.StepResults {
		if s.Step < 0 {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("negative step %d in context snapshot", s.Step))
		}
		for len(snap.StepResults) <= s.Step {
			snap.StepResults = append(snap.StepResults, nil)
		}
		entry := &StepEntry{Step: s.Step, Tool: s.Tool, Success: s.Success}
		if s.Output != "" {
			entry.Output = []byte(s.Output)
		}
		snap.StepResults[s.Step] = entry
	}
	return snap, nil
}

func appendSection(root *yaml.Node, key, comment string, value *yaml.Node) {
	k := scalar(key)
	k.HeadComment = comment
	root.Content = append(root.Content, k, value)
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
