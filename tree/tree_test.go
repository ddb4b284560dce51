package tree

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

func TestParseNewick(tst *testing.T) {
	t, err := ParseNewick(bytes.NewBufferString("((a:1,b:2)ab:3,c:1):0;"))
	if err != nil {
		tst.Fatal("Error parsing tree", err)
	}
	if t.NTips() != 3 {
		tst.Error("wrong number of tips:", t.NTips())
	}
	names := t.TipNames()
	if names[0] != "a" || names[1] != "b" || names[2] != "c" {
		tst.Error("wrong tip order:", names)
	}
	if t.NNodes() != 5 {
		tst.Error("wrong number of nodes:", t.NNodes())
	}
	tips := t.Tips()
	if d := t.Depth(tips[1]); d != 5 {
		tst.Error("wrong depth of b:", d)
	}
	if t.IsUltrametric(1e-9) {
		tst.Error("tree should not be ultrametric")
	}
	if t.String() != "((a:1.000000,b:2.000000)ab:3.000000,c:1.000000):0.000000;" {
		tst.Error("wrong newick output:", t)
	}
}

func TestParseNewickErrors(tst *testing.T) {
	for _, s := range []string{
		"((a:1,b:2);",
		"(a:1,b:2)",
		"(a:x,b:2);",
	} {
		if _, err := ParseNewick(bytes.NewBufferString(s)); err == nil {
			tst.Errorf("expected error for %q", s)
		}
	}
}

func TestCoalescent(tst *testing.T) {
	rng := rand.New(rand.NewSource(1))
	names := make([]string, 20)
	for i := range names {
		names[i] = string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	t, err := Coalescent(names, rng)
	if err != nil {
		tst.Fatal(err)
	}
	if t.NTips() != len(names) {
		tst.Error("wrong number of tips:", t.NTips())
	}
	if t.NNodes() != 2*len(names)-1 {
		tst.Error("coalescent tree should be binary:", t.NNodes())
	}
	if !t.IsUltrametric(1e-9) {
		tst.Error("coalescent tree is not ultrametric")
	}
	for _, node := range t.Nodes() {
		if node.BranchLength < 0 || math.IsNaN(node.BranchLength) {
			tst.Error("bad branch length", node.LongString())
		}
	}
	if _, err := Coalescent(names[:1], rng); err == nil {
		tst.Error("expected error for one tip")
	}
}
