package core

import (
	log "github.com/sirupsen/logrus"
)

// NodeAssignment maps a contiguous run of bit atoms (by index) onto one
// storage node in the configured roster.
type NodeAssignment struct {
	Node      string
	FromIndex int
	ToIndex   int // exclusive
}

// PredictionHook is the optional placement-prediction interface the
// Distribution Planner consults first (spec.md §4.6). Implementations may
// call out to an external placement service; Plan treats any error as
// "hook unreachable" and falls back to round-robin.
type PredictionHook interface {
	Predict(address Address, tokenID string, atomCount int, roster []string) ([]NodeAssignment, error)
}

// DistributionPlanner is the Distribution Planner (C6).
type DistributionPlanner struct {
	Roster []string
	Hook   PredictionHook
	logger *log.Entry
}

// NewDistributionPlanner constructs a planner over a fixed node roster.
// hook may be nil, in which case Plan always uses the round-robin fallback.
func NewDistributionPlanner(roster []string, hook PredictionHook) *DistributionPlanner {
	return &DistributionPlanner{
		Roster: roster,
		Hook:   hook,
		logger: log.WithField("component", "distribution_planner"),
	}
}

// Plan assigns atomCount atoms to nodes in the roster. It first asks the
// prediction hook (if configured); on hook error or absence it falls back
// to deterministic round-robin, partitioning insertion order so each node
// receives ceil(N/K) atoms (spec.md §4.6).
func (p *DistributionPlanner) Plan(address Address, tokenID string, atomCount int) ([]NodeAssignment, error) {
	if len(p.Roster) == 0 {
		return nil, newErr(KindNoNodesAvailable, "node roster is empty", nil)
	}

	if p.Hook != nil {
		assignments, err := p.Hook.Predict(address, tokenID, atomCount, p.Roster)
		if err == nil {
			return assignments, nil
		}
		p.logger.WithField("error", err).Warn("prediction hook unreachable, falling back to round-robin")
	}

	return roundRobinPlan(p.Roster, atomCount), nil
}

// roundRobinPlan partitions [0, atomCount) across roster in insertion
// order, each node receiving ceil(N/K) atoms except (possibly) the last.
func roundRobinPlan(roster []string, atomCount int) []NodeAssignment {
	k := len(roster)
	per := (atomCount + k - 1) / k // ceil(N/K)
	out := make([]NodeAssignment, 0, k)
	from := 0
	for _, node := range roster {
		if from >= atomCount {
			break
		}
		to := from + per
		if to > atomCount {
			to = atomCount
		}
		out = append(out, NodeAssignment{Node: node, FromIndex: from, ToIndex: to})
		from = to
	}
	return out
}
