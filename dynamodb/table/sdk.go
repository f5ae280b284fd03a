package table

import (
	"fmt"
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateTableInput converts the definition into a CreateTable request.
// The result is deterministic: attributes keep catalog order, GSIs keep
// declaration order and tags are sorted by key.
func (t TableDefinition) CreateTableInput() *dynamodb.CreateTableInput {
	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(t.Name),
		BillingMode: types.BillingMode(t.BillingMode),
		KeySchema:   t.KeyDefinitions.keySchema(),
	}
	for _, a := range t.Attributes {
		in.AttributeDefinitions = append(in.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(a.Name),
			AttributeType: types.ScalarAttributeType(a.Kind),
		})
	}
	for _, g := range t.GSIs {
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName:  aws.String(g.Name),
			KeySchema:  g.KeyDefinitions.keySchema(),
			Projection: &types.Projection{ProjectionType: types.ProjectionType(g.Projection)},
		})
	}
	in.Tags = SortedTags(t.Tags)
	return in
}

// SortedTags converts a tag map into SDK tags ordered by key.
// Returns nil for an empty map.
func SortedTags(tags map[string]string) []types.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]types.Tag, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func (k PrimaryKeyDefinition) keySchema() []types.KeySchemaElement {
	ks := []types.KeySchemaElement{{
		AttributeName: aws.String(k.PartitionKey.Name),
		KeyType:       types.KeyTypeHash,
	}}
	if k.HasSortKey() {
		ks = append(ks, types.KeySchemaElement{
			AttributeName: aws.String(k.SortKey.Name),
			KeyType:       types.KeyTypeRange,
		})
	}
	return ks
}

// MatchesDescription checks that an existing table has the key layout of
// the definition: same primary key, same attribute kinds for every key
// attribute and the same set of GSIs with matching keys and projection.
// Tags and billing mode are reconcilable and therefore not compared.
func (t TableDefinition) MatchesDescription(desc *types.TableDescription) error {
	if desc == nil {
		return fmt.Errorf("table description is empty")
	}
	if err := keySchemaMatches(t.KeyDefinitions, desc.KeySchema); err != nil {
		return fmt.Errorf("table %q: %w", t.Name, err)
	}

	kinds := make(map[string]types.ScalarAttributeType, len(desc.AttributeDefinitions))
	for _, ad := range desc.AttributeDefinitions {
		kinds[aws.ToString(ad.AttributeName)] = ad.AttributeType
	}
	for _, a := range t.Attributes {
		got, ok := kinds[a.Name]
		if !ok {
			return fmt.Errorf("table %q: attribute %q is not defined", t.Name, a.Name)
		}
		if string(got) != string(a.Kind) {
			return fmt.Errorf("table %q: attribute %q has kind %q, want %q", t.Name, a.Name, got, a.Kind)
		}
	}
	if len(kinds) != len(t.Attributes) {
		return fmt.Errorf("table %q: has %d attribute definitions, want %d", t.Name, len(kinds), len(t.Attributes))
	}

	existing := make(map[string]types.GlobalSecondaryIndexDescription, len(desc.GlobalSecondaryIndexes))
	for _, g := range desc.GlobalSecondaryIndexes {
		existing[aws.ToString(g.IndexName)] = g
	}
	if len(existing) != len(t.GSIs) {
		return fmt.Errorf("table %q: has %d gsis, want %d", t.Name, len(existing), len(t.GSIs))
	}
	for _, want := range t.GSIs {
		got, ok := existing[want.Name]
		if !ok {
			return fmt.Errorf("table %q: gsi %q is missing", t.Name, want.Name)
		}
		if err := keySchemaMatches(want.KeyDefinitions, got.KeySchema); err != nil {
			return fmt.Errorf("table %q gsi %q: %w", t.Name, want.Name, err)
		}
		if got.Projection == nil || string(got.Projection.ProjectionType) != string(want.Projection) {
			return fmt.Errorf("table %q gsi %q: projection does not match %q", t.Name, want.Name, want.Projection)
		}
	}
	return nil
}

func keySchemaMatches(want PrimaryKeyDefinition, got []types.KeySchemaElement) error {
	expected := want.keySchema()
	if len(got) != len(expected) {
		return fmt.Errorf("key schema has %d elements, want %d", len(got), len(expected))
	}
	for i := range expected {
		if aws.ToString(got[i].AttributeName) != aws.ToString(expected[i].AttributeName) || got[i].KeyType != expected[i].KeyType {
			return fmt.Errorf("key element %d is %s %s, want %s %s", i,
				aws.ToString(got[i].AttributeName), got[i].KeyType,
				aws.ToString(expected[i].AttributeName), expected[i].KeyType)
		}
	}
	return nil
}
