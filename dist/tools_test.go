package dist

import (
	"math"
	"testing"
)

const smallDiff = 1e-6

/*** Tests if a and b are approximately equal ***/
func appreq(a, b float64) bool {
	return math.Abs(a-b) <= smallDiff
}

func TestChi2(tst *testing.T) {
	// critical values of chi2 with 1 and 2 degrees of freedom
	if p := Chi2Survival(3.841459, 1); !appreq(p, 0.05) {
		tst.Error("Wrong chi2(1) survival:", p)
	}
	if p := Chi2Survival(5.991465, 2); !appreq(p, 0.05) {
		tst.Error("Wrong chi2(2) survival:", p)
	}
	if p := Chi2Survival(0, 1); p != 1 {
		tst.Error("Survival at zero should be 1:", p)
	}
}

func TestBoundaryLRT(tst *testing.T) {
	if p := BoundaryLRTPValue(3.841459); !appreq(p, 0.025) {
		tst.Error("Wrong boundary p-value:", p)
	}
	if p := BoundaryLRTPValue(-1e-9); p != 1 {
		tst.Error("Negative statistic should give p=1:", p)
	}
}

func TestWald(tst *testing.T) {
	if p := WaldPValue(1.959964); !appreq(p, 0.05) {
		tst.Error("Wrong Wald p-value:", p)
	}
	if p := WaldPValue(-1.959964); !appreq(p, 0.05) {
		tst.Error("Wald p-value should be symmetric:", p)
	}
}

func TestEmpiricalQuantiles(tst *testing.T) {
	x := []float64{5, 1, math.NaN(), 3, 2, 4}
	q := EmpiricalQuantiles(x, []float64{0, 0.5, 1})
	if q[0] != 1 || q[2] != 5 || q[1] < 2 || q[1] > 3 {
		tst.Error("Wrong quantiles:", q)
	}
	if x[0] != 5 {
		tst.Error("Input was modified")
	}
	q = EmpiricalQuantiles(nil, []float64{0.5})
	if !math.IsNaN(q[0]) {
		tst.Error("Empty sample should give NaN:", q)
	}
}
