package benchmark

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	apperrors "AgentFlow-Chain/internal/errors"

	"gopkg.in/yaml.v3"
)

// Decode 从 YAML 文本解析并校验用例。
func Decode(data []byte) (TestCase, error) {
	var tc TestCase
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&tc); err != nil {
		return TestCase{}, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "解析基准用例失败")
	}
	if err := tc.Validate(); err != nil {
		return TestCase{}, err
	}
	return tc, nil
}

// Load 读取单个用例文件。
func Load(path string) (TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TestCase{}, apperrors.Wrap(apperrors.CodeNotFound, err, fmt.Sprintf("读取基准用例 %s 失败", path))
	}
	tc, err := Decode(data)
	if err != nil {
		return TestCase{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return tc, nil
}

// LoadDir 读取目录下全部 .yml/.yaml 用例，按 ID 排序。
func LoadDir(dir string) ([]TestCase, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, err, fmt.Sprintf("读取基准目录 %s 失败", dir))
	}
	var cases []TestCase
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		tc, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })
	return cases, nil
}

// Catalog 是按 ID 索引的只读用例集合。
type Catalog struct {
	mu    sync.RWMutex
	cases map[string]TestCase
}

// NewCatalog 构造用例目录，重复 ID 会返回冲突错误。
func NewCatalog(cases ...TestCase) (*Catalog, error) {
	c := &Catalog{cases: make(map[string]TestCase, len(cases))}
	for _, tc := range cases {
		if err := c.Add(tc); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog 从目录加载用例目录。
func LoadCatalog(dir string) (*Catalog, error) {
	cases, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return NewCatalog(cases...)
}

// Add 注册一个用例。
func (c *Catalog) Add(tc TestCase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cases[tc.ID]; exists {
		return apperrors.New(apperrors.CodeConflict, fmt.Sprintf("基准用例 %s 重复", tc.ID))
	}
	c.cases[tc.ID] = tc
	return nil
}

// Get 按 ID 查找用例。
func (c *Catalog) Get(id string) (TestCase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tc, ok := c.cases[id]
	if !ok {
		return TestCase{}, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("基准用例 %s 不存在", id))
	}
	return tc, nil
}

// List 返回按 ID 排序的全部用例。
func (c *Catalog) List() []TestCase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TestCase, 0, len(c.cases))
	for _, tc := range c.cases {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
