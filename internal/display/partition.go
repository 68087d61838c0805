// Package display derives what public screens show from a ticket snapshot.
package display

import (
	"sort"
	"time"

	"qms/token-portal/internal/models"
)

// DefaultWaitingLimit is how many waiting tickets a group lists before
// collapsing the rest into a "+N more" badge.
const DefaultWaitingLimit = 5

type Group struct {
	DepartmentID   int64          `json:"department_id"`
	DivisionID     int64          `json:"division_id"`
	DepartmentName string         `json:"department_name"`
	DivisionName   string         `json:"division_name"`
	Current        *models.Token  `json:"current,omitempty"`
	Waiting        []models.Token `json:"waiting"`
	More           int            `json:"more"`
}

type groupKey struct {
	departmentID int64
	divisionID   int64
}

// Partition groups a full snapshot by (department, division). It does not
// retain or modify its input, so equal snapshots give equal boards.
func Partition(tokens []models.Token, limit int) []Group {
	if limit <= 0 {
		limit = DefaultWaitingLimit
	}

	byKey := map[groupKey]*Group{}
	var order []groupKey
	for _, token := range tokens {
		key := groupKey{departmentID: token.DepartmentID, divisionID: token.DivisionID}
		group, ok := byKey[key]
		if !ok {
			group = &Group{DepartmentID: token.DepartmentID, DivisionID: token.DivisionID, Waiting: []models.Token{}}
			byKey[key] = group
			order = append(order, key)
		}
		if group.DepartmentName == "" {
			group.DepartmentName = token.DepartmentName
		}
		if group.DivisionName == "" {
			group.DivisionName = token.DivisionName
		}

		switch {
		case token.IsWaiting():
			group.Waiting = append(group.Waiting, token)
		case token.IsCurrent():
			if group.Current == nil || outranks(token, *group.Current) {
				current := token
				group.Current = &current
			}
		}
	}

	groups := make([]Group, 0, len(order))
	for _, key := range order {
		group := byKey[key]
		sort.SliceStable(group.Waiting, func(i, j int) bool {
			a, b := group.Waiting[i], group.Waiting[j]
			if a.PositionInQueue != b.PositionInQueue {
				return a.PositionInQueue < b.PositionInQueue
			}
			return a.TokenNumber < b.TokenNumber
		})
		if total := len(group.Waiting); total > limit {
			group.More = total - limit
			group.Waiting = group.Waiting[:limit]
		}
		groups = append(groups, *group)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.DepartmentName != b.DepartmentName {
			return a.DepartmentName < b.DepartmentName
		}
		if a.DepartmentID != b.DepartmentID {
			return a.DepartmentID < b.DepartmentID
		}
		if a.DivisionName != b.DivisionName {
			return a.DivisionName < b.DivisionName
		}
		return a.DivisionID < b.DivisionID
	})
	return groups
}

// outranks decides which of two current candidates holds the slot when the
// server reports more than one: serving beats called, then the most recent
// call, then the higher number.
func outranks(candidate, holder models.Token) bool {
	if (candidate.Status == models.StatusServing) != (holder.Status == models.StatusServing) {
		return candidate.Status == models.StatusServing
	}
	ca, ha := calledAt(candidate), calledAt(holder)
	if !ca.Equal(ha) {
		return ca.After(ha)
	}
	return candidate.TokenNumber > holder.TokenNumber
}

func calledAt(token models.Token) time.Time {
	if token.CalledAt != nil {
		return *token.CalledAt
	}
	return time.Time{}
}
