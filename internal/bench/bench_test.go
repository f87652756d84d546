package bench

import "testing"

func TestLookupKnownProblems(t *testing.T) {
	for _, name := range Names() {
		p, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) failed: %v", name, err)
		}
		if len(p.ParamNames) != len(p.Bounds) || len(p.X0) != len(p.ParamNames) {
			t.Errorf("%s: parameter space is inconsistent", name)
		}
		features, objectives := p.Eval(p.X0)
		for _, fname := range p.FeatureNames {
			if _, ok := features[fname]; !ok {
				t.Errorf("%s: evaluation misses feature %q", name, fname)
			}
		}
		for _, oname := range p.ObjectiveNames {
			if _, ok := objectives[oname]; !ok {
				t.Errorf("%s: evaluation misses objective %q", name, oname)
			}
		}
	}
}

func TestLookupUnknownProblem(t *testing.T) {
	if _, err := Lookup("bogus"); err == nil {
		t.Fatal("Lookup accepted an unknown problem")
	}
}

func TestSchafferParetoFront(t *testing.T) {
	p, err := Lookup("schaffer")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	_, inside := p.Eval([]float64{1})
	_, outside := p.Eval([]float64{5})
	// A point on the Pareto front (x in [0, 2]) cannot be dominated.
	if outside["f1"] <= inside["f1"] && outside["f2"] <= inside["f2"] {
		t.Error("point outside the Pareto front dominates a front member")
	}
}
