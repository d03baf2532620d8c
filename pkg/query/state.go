package query

import (
	"github.com/DeBrosOfficial/dispatch/pkg/executor"
	"github.com/DeBrosOfficial/dispatch/pkg/stream"
)

// Stats is a snapshot of a router.
type Stats struct {
	State               string           `json:"state"`
	Subscriptions       int              `json:"subscriptions"`
	Handlers            int              `json:"handlers"`
	SubscriptionQueries int              `json:"subscription_queries"`
	UpdateTargets       int              `json:"update_targets"`
	Executor            executor.Stats   `json:"executor"`
	FlowControl         stream.FlowStats `json:"flow_control"`
}
