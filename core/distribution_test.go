package core

import "testing"

func TestPlanRoundRobinCeilPartition(t *testing.T) {
	p := NewDistributionPlanner([]string{"node-1", "node-2", "node-3"}, nil)
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))

	assignments, err := p.Plan(addr, "tok", 8)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(assignments) != 3 {
		t.Fatalf("expected 3 assignments, got %d", len(assignments))
	}
	// ceil(8/3) = 3: node-1 gets [0,3), node-2 [3,6), node-3 [6,8).
	want := []NodeAssignment{
		{Node: "node-1", FromIndex: 0, ToIndex: 3},
		{Node: "node-2", FromIndex: 3, ToIndex: 6},
		{Node: "node-3", FromIndex: 6, ToIndex: 8},
	}
	for i, w := range want {
		if assignments[i] != w {
			t.Fatalf("assignment %d: got %+v, want %+v", i, assignments[i], w)
		}
	}
}

func TestPlanEmptyRosterIsNoNodesAvailable(t *testing.T) {
	p := NewDistributionPlanner(nil, nil)
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	_, err := p.Plan(addr, "tok", 8)
	if !IsKind(err, KindNoNodesAvailable) {
		t.Fatalf("expected KindNoNodesAvailable, got %v", err)
	}
}

type failingHook struct{}

func (failingHook) Predict(address Address, tokenID string, atomCount int, roster []string) ([]NodeAssignment, error) {
	return nil, errUnreachableHook
}

var errUnreachableHook = newErr(KindTemporarilyUnavailable, "prediction service unreachable", nil)

func TestPlanFallsBackToRoundRobinOnHookFailure(t *testing.T) {
	p := NewDistributionPlanner([]string{"node-1", "node-2"}, failingHook{})
	addr := DeriveAddress("HQ", "corp-1", []byte("salt"))
	assignments, err := p.Plan(addr, "tok", 4)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected fallback round-robin with 2 assignments, got %d", len(assignments))
	}
}
