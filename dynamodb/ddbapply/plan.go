package ddbapply

import (
	"fmt"
	"maps"
	"strings"

	"github.com/acksell/immaterial/dynamodb/ddbstate"
	"github.com/acksell/immaterial/dynamodb/provision"
)

type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
	ActionDelete  Action = "delete"
	ActionNoop    Action = "noop"
)

func (a Action) symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionReplace:
		return "-/+"
	case ActionDelete:
		return "-"
	default:
		return "="
	}
}

// Resource kinds.
const (
	ResourceTable  = "table"
	ResourcePolicy = "policy"
)

type Change struct {
	Resource string
	Name     string
	Action   Action
	Reason   string
}

// Plan is the ordered set of changes needed to reach a declaration.
// Changes are listed in apply order.
type Plan struct {
	Declaration provision.Declaration
	// Previous is the state the plan was computed against, nil on first apply.
	Previous *ddbstate.Record
	Changes  []Change
}

// NewPlan compares the declaration with the previously applied record.
// It does not call the provider: drift is corrected by Apply regardless of
// what the plan says.
func NewPlan(decl provision.Declaration, prev *ddbstate.Record) Plan {
	p := Plan{Declaration: decl, Previous: prev}
	tableName := decl.Table.Name
	policyName := decl.Policy.Name

	if prev == nil {
		p.Changes = []Change{
			{Resource: ResourceTable, Name: tableName, Action: ActionCreate},
			{Resource: ResourcePolicy, Name: policyName, Action: ActionCreate},
		}
		return p
	}

	oldName := prev.Inputs.TableName
	if oldName != tableName {
		reason := fmt.Sprintf("name changes from %q", oldName)
		p.Changes = []Change{
			{Resource: ResourceTable, Name: tableName, Action: ActionReplace, Reason: reason},
			{Resource: ResourcePolicy, Name: policyName, Action: ActionReplace, Reason: "table is replaced"},
		}
		return p
	}

	tableChange := Change{Resource: ResourceTable, Name: tableName, Action: ActionNoop}
	if !maps.Equal(prev.Inputs.Tags, decl.Inputs.Tags) {
		tableChange.Action = ActionUpdate
		tableChange.Reason = "tags change"
	}
	p.Changes = []Change{
		tableChange,
		{Resource: ResourcePolicy, Name: policyName, Action: ActionNoop},
	}
	return p
}

// NewDestroyPlan lists the resources recorded in prev for removal, policy first.
func NewDestroyPlan(prev ddbstate.Record) Plan {
	return Plan{
		Previous: &prev,
		Changes: []Change{
			{Resource: ResourcePolicy, Name: provision.PolicyName(prev.Outputs.TableName), Action: ActionDelete},
			{Resource: ResourceTable, Name: prev.Outputs.TableName, Action: ActionDelete},
		},
	}
}

// Replaces reports whether the previous resources must be destroyed first.
func (p Plan) Replaces() bool {
	for _, c := range p.Changes {
		if c.Action == ActionReplace {
			return true
		}
	}
	return false
}

// HasChanges reports whether any change is not a no-op.
func (p Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Action != ActionNoop {
			return true
		}
	}
	return false
}

func (p Plan) String() string {
	var b strings.Builder
	for _, c := range p.Changes {
		fmt.Fprintf(&b, "%-3s %s %s (%s", c.Action.symbol(), c.Resource, c.Name, c.Action)
		if c.Reason != "" {
			fmt.Fprintf(&b, ": %s", c.Reason)
		}
		b.WriteString(")\n")
	}
	return b.String()
}
