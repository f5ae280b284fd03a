package provision

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/acksell/immaterial/dynamodb/schema"
	"github.com/acksell/immaterial/dynamodb/table"
	"gopkg.in/yaml.v3"
)

// Manifest converts the declaration into its serializable form.
func (d Declaration) Manifest() schema.Manifest {
	t := d.Table
	m := schema.Manifest{
		Table: schema.Table{
			Name:         t.Name,
			BillingMode:  string(t.BillingMode),
			PartitionKey: keyDef(t.KeyDefinitions.PartitionKey),
			SortKey:      optionalKeyDef(t.KeyDefinitions.SortKey),
			Tags:         t.Tags,
		},
		Policy: schema.Policy{
			Name:      d.Policy.Name,
			DependsOn: []string{"table"},
			Document:  d.Policy.Document,
		},
		Outputs: map[string]string{
			OutputTableName: t.Name,
			OutputTableARN:  TableARNRef,
			OutputPolicyARN: PolicyARNRef,
		},
	}
	for _, a := range t.Attributes {
		m.Table.Attributes = append(m.Table.Attributes, keyDef(a))
	}
	for _, g := range t.GSIs {
		m.Table.GSIs = append(m.Table.GSIs, schema.GSI{
			Name:         g.Name,
			PartitionKey: keyDef(g.KeyDefinitions.PartitionKey),
			SortKey:      optionalKeyDef(g.KeyDefinitions.SortKey),
			Projection:   string(g.Projection),
		})
	}
	return m
}

func keyDef(k table.KeyDef) schema.KeyDef {
	return schema.KeyDef{Name: k.Name, Kind: string(k.Kind)}
}

func optionalKeyDef(k table.KeyDef) *schema.KeyDef {
	if k.Name == "" {
		return nil
	}
	kd := keyDef(k)
	return &kd
}

// EncodeJSON writes the manifest as indented JSON. Map keys are sorted so
// the output is stable.
func EncodeJSON(m schema.Manifest) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append(b, '\n'), nil
}

// EncodeYAML writes the manifest as YAML. Map keys are sorted so the
// output is stable.
func EncodeYAML(m schema.Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return buf.Bytes(), nil
}
