package p2p

import "testing"

func TestPolicy_NoneIsExclusive(t *testing.T) {
	var p Policy
	if err := p.Add(PolicyProducers); err != nil {
		t.Fatalf("Add(producers) error: %v", err)
	}
	if err := p.Add(PolicyNone); err != nil {
		t.Fatalf("Add(none) error: %v", err)
	}
	if p != PolicyNone {
		t.Errorf("policy = %s, want none only", p)
	}
	if err := p.Add(PolicyAny); err == nil {
		t.Error("Add(any) after none should fail")
	}

	p.Reset()
	if err := p.Add(PolicyAny); err != nil {
		t.Errorf("Add(any) after Reset error: %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      []string
		want    Policy
		wantErr bool
	}{
		{nil, PolicyAny, false},
		{[]string{"any"}, PolicyAny, false},
		{[]string{"producers", "specified"}, PolicyProducers | PolicySpecified, false},
		{[]string{"NONE"}, PolicyNone, false},
		{[]string{"none", "any"}, 0, true},
		{[]string{"specified", "none"}, 0, true},
		{[]string{"everyone"}, 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePolicy(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPolicy_Predicates(t *testing.T) {
	tests := []struct {
		p           Policy
		none, needs bool
	}{
		{PolicyAny, false, false},
		{PolicyNone, true, false},
		{PolicySpecified, false, true},
		{PolicyProducers | PolicySpecified, false, true},
		{PolicyAny | PolicySpecified, false, false},
	}
	for _, tt := range tests {
		if tt.p.AllowsNone() != tt.none {
			t.Errorf("%s.AllowsNone() = %v, want %v", tt.p, !tt.none, tt.none)
		}
		if tt.p.RequiresKey() != tt.needs {
			t.Errorf("%s.RequiresKey() = %v, want %v", tt.p, !tt.needs, tt.needs)
		}
	}
}
