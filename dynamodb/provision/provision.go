// Package provision renders the declaration of the immaterial table and
// its access policy from a table name and a tag set.
//
// Rendering is pure: equal inputs yield equal declarations and
// byte-identical manifests. Converging remote state to the declaration is
// the job of ddbapply.
package provision

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/acksell/immaterial/dynamodb/policy"
	"github.com/acksell/immaterial/dynamodb/table"
	"github.com/go-playground/validator/v10"
)

// Attribute names of the table layout.
const (
	AttrPK         = "pk"
	AttrSK         = "sk"
	AttrEntityID   = "entity_id"
	AttrEntityName = "entity_name"
	AttrBaseNodeID = "base_node_id"
)

// Index names of the table layout.
const (
	// IndexIDsOnly looks up an entity by id regardless of its primary key.
	IndexIDsOnly = "ids_only"
	// IndexModelScan enumerates entities of one type ordered by their base node.
	IndexModelScan = "model_scan"
)

const policySuffix = "_policy"

// References to values only known once the resources exist.
const (
	TableARNRef  = "${table.arn}"
	PolicyARNRef = "${policy.arn}"
)

// Output names.
const (
	OutputTableName = "table_name"
	OutputTableARN  = "table_arn"
	OutputPolicyARN = "iam_policy_arn"
)

var ErrMissingTableName = errors.New("table_name is required")

var validate = validator.New()

// Inputs are the caller-supplied parameters.
type Inputs struct {
	TableName string            `json:"table_name" yaml:"tableName" validate:"required"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Validate reports a missing table name. Everything else is checked by the
// provider when the declaration is applied.
func (in Inputs) Validate() error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Field() == "TableName" {
				return fmt.Errorf("%w: %v", ErrMissingTableName, fe)
			}
		}
	}
	return fmt.Errorf("invalid inputs: %w", err)
}

// Outputs are the values exposed once the resources exist.
type Outputs struct {
	TableName string `json:"table_name"`
	TableARN  string `json:"table_arn"`
	PolicyARN string `json:"iam_policy_arn"`
}

// PolicyResource is the declared IAM managed policy.
type PolicyResource struct {
	Name     string
	Document policy.Document
}

// Declaration is the desired end state for one set of inputs.
type Declaration struct {
	Inputs Inputs
	Table  table.TableDefinition
	Policy PolicyResource
}

// PolicyName returns the name of the policy belonging to a table.
func PolicyName(tableName string) string {
	return tableName + policySuffix
}

// Table returns the table definition for the given name and tags.
func Table(name string, tags map[string]string) table.TableDefinition {
	str := func(n string) table.KeyDef { return table.KeyDef{Name: n, Kind: table.KeyKindS} }
	var t map[string]string
	if len(tags) > 0 {
		t = maps.Clone(tags)
	}
	return table.TableDefinition{
		Name: name,
		KeyDefinitions: table.PrimaryKeyDefinition{
			PartitionKey: str(AttrPK),
			SortKey:      str(AttrSK),
		},
		Attributes: []table.KeyDef{
			str(AttrPK),
			str(AttrSK),
			str(AttrEntityID),
			str(AttrEntityName),
			str(AttrBaseNodeID),
		},
		BillingMode: table.BillingModePayPerRequest,
		GSIs: []table.GSIDefinition{
			{
				Name:           IndexIDsOnly,
				KeyDefinitions: table.PrimaryKeyDefinition{PartitionKey: str(AttrEntityID)},
				Projection:     table.ProjectAll,
			},
			{
				Name: IndexModelScan,
				KeyDefinitions: table.PrimaryKeyDefinition{
					PartitionKey: str(AttrEntityName),
					SortKey:      str(AttrBaseNodeID),
				},
				Projection: table.ProjectAll,
			},
		},
		Tags: t,
	}
}

// Render produces the declaration for the inputs.
func Render(in Inputs) (Declaration, error) {
	if err := in.Validate(); err != nil {
		return Declaration{}, err
	}
	def := Table(in.TableName, in.Tags)
	if err := def.Validate(); err != nil {
		// The layout is fixed, this only fires if Table is edited incorrectly.
		return Declaration{}, fmt.Errorf("table layout: %w", err)
	}
	return Declaration{
		Inputs: Inputs{TableName: in.TableName, Tags: def.Tags},
		Table:  def,
		Policy: PolicyResource{
			Name:     PolicyName(in.TableName),
			Document: policy.ForTable(TableARNRef),
		},
	}, nil
}

// Bind returns the declared policy document with every TableARNRef in its
// resources replaced by tableARN. The declaration is not modified.
func (d Declaration) Bind(tableARN string) policy.Document {
	doc := policy.Document{Version: d.Policy.Document.Version}
	for _, st := range d.Policy.Document.Statement {
		bound := policy.Statement{
			Action:   slices.Clone(st.Action),
			Effect:   st.Effect,
			Resource: make(policy.Values, len(st.Resource)),
		}
		for i, r := range st.Resource {
			bound.Resource[i] = strings.ReplaceAll(r, TableARNRef, tableARN)
		}
		doc.Statement = append(doc.Statement, bound)
	}
	return doc
}
