package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryMatchesKeywordsAndOperation(t *testing.T) {
	p := NewStaticProvider(DefaultSnippets(), 2)

	got := p.Query("Swap 1 ETH to USDC then lend it", "")
	if len(got) != 2 {
		t.Fatalf("expected the result cap to apply, got %d", len(got))
	}
	if got := p.Query("do the thing", "lend"); len(got) != 1 || got[0].Title != "lend" {
		t.Fatalf("operation name should select its snippet, got %+v", got)
	}
	if got := p.Query("nothing relevant", ""); len(got) != 0 {
		t.Fatalf("unexpected match %+v", got)
	}
	if cards := Cards(p.Query("check my balance", "")); len(cards) != 1 || cards[0].Title != "balances" {
		t.Fatalf("unexpected cards %+v", cards)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hints.json")
	if err := os.WriteFile(path, []byte(`[{"title":"bridge","content":"use the canonical bridge","keywords":["bridge"]}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := Load(path, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Query("bridge funds", ""); len(got) != 1 {
		t.Fatalf("expected loaded snippet, got %+v", got)
	}
	if def, err := Load("", 0); err != nil || len(def.items) != len(DefaultSnippets()) {
		t.Fatalf("empty path should use defaults: %v", err)
	}
}
