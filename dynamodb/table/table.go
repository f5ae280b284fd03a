package table

import (
	"fmt"
	"slices"
)

// BillingMode is the capacity mode of a table.
// Only on-demand is supported; provisioned throughput is never declared.
type BillingMode string

const BillingModePayPerRequest BillingMode = "PAY_PER_REQUEST"

type TableDefinition struct {
	Name           string
	KeyDefinitions PrimaryKeyDefinition
	// Attributes is the attribute catalog. Every entry must be part of the
	// primary key or the key of exactly one GSI, DynamoDB rejects unused definitions.
	Attributes  []KeyDef
	BillingMode BillingMode
	GSIs        []GSIDefinition
	// Tags are applied verbatim. Nil and empty mean no tags.
	Tags map[string]string
}

// GSIDefinition represents a Global Secondary Index definition.
type GSIDefinition struct {
	Name           string
	KeyDefinitions PrimaryKeyDefinition
	Projection     ProjectionKind
}

// GSI returns the index with the given name.
func (t TableDefinition) GSI(name string) (GSIDefinition, bool) {
	for _, g := range t.GSIs {
		if g.Name == name {
			return g, true
		}
	}
	return GSIDefinition{}, false
}

// Validate checks the structural invariants of the definition.
// Naming rules are left to the provider.
func (t TableDefinition) Validate() error {
	if t.BillingMode != BillingModePayPerRequest {
		return fmt.Errorf("unsupported billing mode %q", t.BillingMode)
	}

	catalog := make(map[string]KeyKind, len(t.Attributes))
	for _, a := range t.Attributes {
		if a.Name == "" {
			return fmt.Errorf("attribute catalog contains an unnamed attribute")
		}
		if _, dup := catalog[a.Name]; dup {
			return fmt.Errorf("attribute %q declared more than once", a.Name)
		}
		if !a.Kind.Valid() {
			return fmt.Errorf("attribute %q has unsupported kind %q", a.Name, a.Kind)
		}
		catalog[a.Name] = a.Kind
	}

	if err := checkKeys("table", t.KeyDefinitions, catalog); err != nil {
		return err
	}
	primary := t.KeyDefinitions.Names()

	gsiUses := make(map[string][]string)
	seen := make(map[string]bool, len(t.GSIs))
	for _, g := range t.GSIs {
		if g.Name == "" {
			return fmt.Errorf("gsi with partition key %q has no name", g.KeyDefinitions.PartitionKey.Name)
		}
		if seen[g.Name] {
			return fmt.Errorf("gsi %q declared more than once", g.Name)
		}
		seen[g.Name] = true
		if !g.Projection.Valid() {
			return fmt.Errorf("gsi %q has unsupported projection %q", g.Name, g.Projection)
		}
		if err := checkKeys("gsi "+g.Name, g.KeyDefinitions, catalog); err != nil {
			return err
		}
		for _, name := range g.KeyDefinitions.Names() {
			gsiUses[name] = append(gsiUses[name], g.Name)
		}
	}

	for _, a := range t.Attributes {
		if slices.Contains(primary, a.Name) {
			continue
		}
		switch uses := gsiUses[a.Name]; len(uses) {
		case 0:
			return fmt.Errorf("attribute %q is declared but not used by any key", a.Name)
		case 1:
		default:
			return fmt.Errorf("attribute %q is used by more than one gsi: %v", a.Name, uses)
		}
	}
	return nil
}

func checkKeys(owner string, k PrimaryKeyDefinition, catalog map[string]KeyKind) error {
	if k.PartitionKey.Name == "" {
		return fmt.Errorf("%s: partition key is required", owner)
	}
	for _, key := range []KeyDef{k.PartitionKey, k.SortKey} {
		if key.Name == "" {
			continue
		}
		kind, ok := catalog[key.Name]
		if !ok {
			return fmt.Errorf("%s: key %q is not in the attribute catalog", owner, key.Name)
		}
		if kind != key.Kind {
			return fmt.Errorf("%s: key %q kind %q does not match catalog kind %q", owner, key.Name, key.Kind, kind)
		}
	}
	return nil
}
