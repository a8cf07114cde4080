package domain

import (
	"errors"
	"strings"
	"time"
)

// Workflow is the editable draft plus the last deployed snapshot. Jobs and
// webhooks always execute the deployed snapshot.
type Workflow struct {
	ID                 string
	UserID             string
	Name               string
	IsDeployed         bool
	DeployedAt         *time.Time
	DeployedState      *Graph
	DraftState         Graph
	RateLimitPerMinute int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (w Workflow) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workflow id is required")
	}
	if strings.TrimSpace(w.UserID) == "" {
		return errors.New("user id is required")
	}
	return nil
}

// NeedsRedeployment reports whether the draft was edited after the last deploy.
func (w Workflow) NeedsRedeployment() bool {
	if !w.IsDeployed || w.DeployedAt == nil {
		return false
	}
	return w.UpdatedAt.After(*w.DeployedAt)
}

// DeployedBlock returns the trigger block from the deployed snapshot.
func (w Workflow) DeployedBlock(blockID string) (Block, bool) {
	if !w.IsDeployed || w.DeployedState == nil {
		return Block{}, false
	}
	b, ok := w.DeployedState.Blocks[blockID]
	return b, ok
}
