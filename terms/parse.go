package terms

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/phyrgo/phyr/covar"
)

// SpecError reports a malformed random term or one referring to an
// unknown variable.
type SpecError struct {
	Term   string
	Reason string
}

func (e *SpecError) Error() string {
	if e.Term == "" {
		return "random terms: " + e.Reason
	}
	return fmt.Sprintf("random term %q: %s", e.Term, e.Reason)
}

// structured marks a grouping factor with a supplied covariance.
const structured = "__"

var (
	termRe = regexp.MustCompile(`^\(\s*([A-Za-z0-9_.]+)\s*\|\s*([A-Za-z0-9_.]+)\s*(?:@\s*([A-Za-z0-9_.]+)\s*)?\)$`)
	nameRe = regexp.MustCompile(`^[A-Za-z.][A-Za-z0-9_.]*$`)
)

// splitTerms splits a formula on top level '+'.
func splitTerms(formula string) ([]string, error) {
	var parts []string
	depth, start := 0, 0
	for i, c := range formula {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, &SpecError{Reason: "unbalanced parentheses"}
			}
		case '+':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(formula[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, &SpecError{Reason: "unbalanced parentheses"}
	}
	parts = append(parts, strings.TrimSpace(formula[start:]))
	for _, p := range parts {
		if p == "" {
			return nil, &SpecError{Reason: "empty term"}
		}
	}
	return parts, nil
}

// splitStructured strips the structured suffix of a factor name.
func splitStructured(term, name string) (string, bool, error) {
	base := strings.TrimSuffix(name, structured)
	if !nameRe.MatchString(base) || strings.HasSuffix(base, "_") {
		return "", false, &SpecError{Term: term, Reason: fmt.Sprintf("invalid factor name %q", name)}
	}
	return base, base != name, nil
}

// Parse resolves a random term formula, e.g.
//
//	(1|sp__) + (1|site) + (env|sp) + (1|sp__@site)
//
// against the frame. A factor name with the "__" suffix uses the
// covariance covs[name]. "(x|g__)" adds both an iid and a structured
// term on g. "(x|g@h)" restricts the effect of g to the blocks of h;
// "h__" correlates the blocks according to covs[h]. The left side is
// "1" for random intercepts or a numeric covariate for random slopes.
func Parse(formula string, data *Frame, covs map[string]*covar.Matrix) (*Registry, error) {
	parts, err := splitTerms(formula)
	if err != nil {
		return nil, err
	}
	r := &Registry{n: -1}
	for _, part := range parts {
		terms, err := parseTerm(part, data, covs)
		if err != nil {
			return nil, err
		}
		for _, t := range terms {
			if err := r.Add(t); err != nil {
				return nil, err
			}
		}
	}
	log.Infof("Random terms: %s", r)
	return r, nil
}

func parseTerm(s string, data *Frame, covs map[string]*covar.Matrix) ([]Term, error) {
	m := termRe.FindStringSubmatch(s)
	if m == nil {
		return nil, &SpecError{Term: s, Reason: "expected (1|group), (1|group__), (1|group@nest) or (covariate|...)"}
	}
	var slope *Slope
	if m[1] != "1" {
		values, ok := data.Numeric(m[1])
		if !ok {
			return nil, &SpecError{Term: s, Reason: "unknown covariate " + m[1]}
		}
		slope = &Slope{Name: m[1], Values: values}
	}

	lookup := func(name string) (*Factor, *covar.Matrix, error) {
		base, isStructured, err := splitStructured(s, name)
		if err != nil {
			return nil, nil, err
		}
		f, ok := data.Factor(base)
		if !ok {
			return nil, nil, &SpecError{Term: s, Reason: "unknown grouping factor " + base}
		}
		if !isStructured {
			return f, nil, nil
		}
		cov, ok := covs[base]
		if !ok || cov == nil {
			return nil, nil, &SpecError{Term: s, Reason: "no covariance for " + base}
		}
		return f, cov, nil
	}

	group, cov, err := lookup(m[2])
	if err != nil {
		return nil, err
	}
	var inner Term
	if cov != nil {
		inner = NewStructured(group, cov, slope)
	} else {
		inner = NewSimple(group, slope)
	}
	if m[3] == "" {
		if cov == nil {
			return []Term{inner}, nil
		}
		// structured effects always come with their iid counterpart
		return []Term{NewSimple(group, slope), inner}, nil
	}
	nest, nestCov, err := lookup(m[3])
	if err != nil {
		return nil, err
	}
	if nest == group {
		return nil, &SpecError{Term: s, Reason: "factor nested in itself"}
	}
	return []Term{NewNested(inner, nest, nestCov)}, nil
}
