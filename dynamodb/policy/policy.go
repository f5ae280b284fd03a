// Package policy builds the IAM policy document that grants item-level
// access to a single DynamoDB table and all of its indexes.
package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Version is the IAM policy language version.
const Version = "2012-10-17"

type Effect string

const EffectAllow Effect = "Allow"

var itemActions = []string{
	"dynamodb:PutItem",
	"dynamodb:GetItem",
	"dynamodb:UpdateItem",
	"dynamodb:DeleteItem",
	"dynamodb:Query",
	"dynamodb:Scan",
}

// ItemActions returns the actions granted on the table, in document order.
func ItemActions() []string {
	return slices.Clone(itemActions)
}

// Document is an IAM policy document. Field order matches the JSON
// emitted by the provider so encoded documents compare byte for byte.
type Document struct {
	Version   string      `json:"Version" yaml:"Version"`
	Statement []Statement `json:"Statement" yaml:"Statement"`
}

type Statement struct {
	Action   Values `json:"Action" yaml:"Action"`
	Effect   Effect `json:"Effect" yaml:"Effect"`
	Resource Values `json:"Resource" yaml:"Resource"`
}

// ForTable returns the document granting the item actions on the table
// and every sub-resource beneath it, which covers its indexes.
func ForTable(tableARN string) Document {
	return Document{
		Version: Version,
		Statement: []Statement{{
			Action:   ItemActions(),
			Effect:   EffectAllow,
			Resource: Values{tableARN, tableARN + "/*"},
		}},
	}
}

// JSON returns the compact encoding of the document.
func (d Document) JSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal policy document: %w", err)
	}
	return string(b), nil
}

// Parse decodes a policy document. IAM returns documents URL encoded
// from GetPolicyVersion, both forms are accepted.
func Parse(raw string) (Document, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "%7B") || strings.HasPrefix(raw, "%7b") {
		decoded, err := url.QueryUnescape(raw)
		if err != nil {
			return Document{}, fmt.Errorf("unescape policy document: %w", err)
		}
		raw = decoded
	}
	var d Document
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Document{}, fmt.Errorf("unmarshal policy document: %w", err)
	}
	return d, nil
}

// Equal reports whether two documents grant the same thing.
// Statement order matters, order inside Action and Resource does not.
func (d Document) Equal(o Document) bool {
	if d.Version != o.Version || len(d.Statement) != len(o.Statement) {
		return false
	}
	for i := range d.Statement {
		a, b := d.Statement[i], o.Statement[i]
		if a.Effect != b.Effect || !a.Action.sameSet(b.Action) || !a.Resource.sameSet(b.Resource) {
			return false
		}
	}
	return true
}

// Values is a list of policy strings. IAM may collapse a single value to
// a bare string, so it decodes from either form and always encodes as a list.
type Values []string

func (v *Values) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*v = Values{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*v = many
	return nil
}

func (v Values) sameSet(o Values) bool {
	if len(v) != len(o) {
		return false
	}
	a, b := slices.Clone(v), slices.Clone(o)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
