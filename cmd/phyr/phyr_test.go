package main

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phyrgo/phyr/covar"
	"github.com/phyrgo/phyr/pglmm"
	"github.com/phyrgo/phyr/tree"
)

const data = `sp,site,env,freq
# comment
a,s1,0.5,1.2
b,s1,0.5,0.3
a,s2,-1,2.5
b,s2,-1,NA
`

func TestTable(tst *testing.T) {
	t, err := parseTable(strings.NewReader(data))
	if err != nil {
		tst.Fatal("Error parsing table:", err)
	}
	if t.len() != 4 {
		tst.Error("Wrong number of rows:", t.len())
	}
	sp, err := t.strings("sp")
	if err != nil || sp[2] != "a" {
		tst.Error("Wrong species column:", sp, err)
	}
	env, err := t.floats("env")
	if err != nil || env[3] != -1 {
		tst.Error("Wrong env column:", env, err)
	}
	if _, err := t.floats("freq"); err == nil {
		tst.Error("NA should not parse")
	}
	if _, err := t.floats("missing"); err == nil {
		tst.Error("Missing column should be an error")
	}
	if _, err := parseTable(strings.NewReader("a,a\n1,2\n")); err == nil {
		tst.Error("Duplicate columns should be an error")
	}
	if _, err := parseTable(strings.NewReader("a,b\n")); err == nil {
		tst.Error("Table without data should be an error")
	}
}

func TestSplitPair(tst *testing.T) {
	trait, col, err := splitPair("mass:mass_se")
	if err != nil || trait != "mass" || col != "mass_se" {
		tst.Error("Wrong pair:", trait, col, err)
	}
	for _, s := range []string{"mass", ":x", "x:"} {
		if _, _, err := splitPair(s); err == nil {
			tst.Error("Expected error for", s)
		}
	}
}

func TestReadStart(tst *testing.T) {
	fn := filepath.Join(tst.TempDir(), "start.txt")
	if err := os.WriteFile(fn, []byte("1 2 3\n0.5 0.1 0.9 0.9 0.5\n"), 0644); err != nil {
		tst.Fatal(err)
	}
	start, err := readStart(fn)
	if err != nil {
		tst.Fatal("Error reading start:", err)
	}
	if len(start) != 5 || start[4] != 0.5 {
		tst.Error("Wrong start values:", start)
	}
}

func TestNumberJSON(tst *testing.T) {
	s := &PGLMMSummary{
		Family:           pglmm.Poisson.String(),
		ResidualVariance: number(math.NaN()),
		LogLik:           -10.5,
		AIC:              number(math.Inf(+1)),
	}
	j, err := json.Marshal(s)
	if err != nil {
		tst.Fatal("Error marshalling summary:", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(j, &m); err != nil {
		tst.Fatal(err)
	}
	if m["residualVariance"] != nil || m["aic"] != nil {
		tst.Error("Non-finite values should be null:", string(j))
	}
	if m["logLik"] != -10.5 {
		tst.Error("Wrong log-likelihood:", m["logLik"])
	}
}

func TestWriteMatrix(tst *testing.T) {
	t, err := tree.ParseNewick(strings.NewReader("((a:1,b:1):1,c:2);"))
	if err != nil {
		tst.Fatal(err)
	}
	c, err := covar.FromTree(t, []string{"a", "b", "c"})
	if err != nil {
		tst.Fatal(err)
	}
	var b bytes.Buffer
	if err := writeMatrix(&b, c, false); err != nil {
		tst.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 4 || lines[0] != "\ta\tb\tc" || lines[1] != "a\t2\t1\t0" {
		tst.Error("Wrong covariance output:", b.String())
	}
	b.Reset()
	if err := writeMatrix(&b, c, true); err != nil {
		tst.Fatal(err)
	}
	lines = strings.Split(strings.TrimSpace(b.String()), "\n")
	if lines[1] != "a\t0\t2\t4" {
		tst.Error("Wrong distance output:", b.String())
	}
}

func TestReadCovariance(tst *testing.T) {
	dir := tst.TempDir()
	fn := filepath.Join(dir, "site.csv")
	if err := os.WriteFile(fn, []byte(",s1,s2\ns1,1,0.5\ns2,0.5,2\n"), 0644); err != nil {
		tst.Fatal(err)
	}
	c, err := readCovariance(fn)
	if err != nil {
		tst.Fatal("Error reading covariance:", err)
	}
	if c.Dim() != 2 || c.At(0, 1) != 0.5 || c.Label(1) != "s2" {
		tst.Error("Wrong covariance:", c)
	}

	bad := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(bad, []byte(",s1,s2\ns2,1,0.5\ns1,0.5,2\n"), 0644); err != nil {
		tst.Fatal(err)
	}
	if _, err := readCovariance(bad); err == nil {
		tst.Error("Mislabelled rows should be an error")
	}
}

func TestRunKey(tst *testing.T) {
	dir := tst.TempDir()
	data := filepath.Join(dir, "traits.csv")
	if err := os.WriteFile(data, []byte("sp,a,b\nx,1,2\n"), 0644); err != nil {
		tst.Fatal(err)
	}
	key := func(seed int64, traits ...string) string {
		k, err := runKey("corphylo", seed, []string{data}, traits, 100)
		if err != nil {
			tst.Fatal("Error computing run key:", err)
		}
		return k
	}
	k := key(1, "a", "b")
	if !strings.HasPrefix(k, "corphylo-1-") {
		tst.Error("Wrong run key:", k)
	}
	if key(1, "a", "b") != k {
		tst.Error("Run key is not deterministic")
	}
	if key(2, "a", "b") == k || key(1, "b", "a") == k {
		tst.Error("Run key ignores the seed or the settings")
	}
	if err := os.WriteFile(data, []byte("sp,a,b\nx,1,3\n"), 0644); err != nil {
		tst.Fatal(err)
	}
	if key(1, "a", "b") == k {
		tst.Error("Run key ignores the data")
	}
	if _, err := runKey("corphylo", 1, []string{filepath.Join(dir, "missing")}); err == nil {
		tst.Error("Missing file should be an error")
	}
}
