// Package schema defines the data types of a rendered provisioning manifest.
// These types are produced by provision and written by `ddb render`.
// The types are pure data structures with no methods.
package schema

import "github.com/acksell/immaterial/dynamodb/policy"

// Manifest is the root type describing every resource to provision.
type Manifest struct {
	Table   Table             `yaml:"table" json:"table"`
	Policy  Policy            `yaml:"policy" json:"policy"`
	Outputs map[string]string `yaml:"outputs" json:"outputs"`
}

// Table describes a DynamoDB table resource.
type Table struct {
	Name         string            `yaml:"name" json:"name"`
	BillingMode  string            `yaml:"billingMode" json:"billingMode"`
	PartitionKey KeyDef            `yaml:"partitionKey" json:"partitionKey"`
	SortKey      *KeyDef           `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	Attributes   []KeyDef          `yaml:"attributes" json:"attributes"`
	GSIs         []GSI             `yaml:"gsis,omitempty" json:"gsis,omitempty"`
	Tags         map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// KeyDef describes an attribute definition.
type KeyDef struct {
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"` // "S", "N", or "B"
}

// GSI describes a Global Secondary Index.
type GSI struct {
	Name         string  `yaml:"name" json:"name"`
	PartitionKey KeyDef  `yaml:"partitionKey" json:"partitionKey"`
	SortKey      *KeyDef `yaml:"sortKey,omitempty" json:"sortKey,omitempty"`
	Projection   string  `yaml:"projection" json:"projection"`
}

// Policy describes the IAM managed policy resource.
// Until the table exists its document refers to the table ARN by reference.
type Policy struct {
	Name      string          `yaml:"name" json:"name"`
	DependsOn []string        `yaml:"dependsOn" json:"dependsOn"`
	Document  policy.Document `yaml:"document" json:"document"`
}
