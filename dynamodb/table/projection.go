package table

// ProjectionKind is the set of attributes copied into a secondary index.
type ProjectionKind string

const (
	ProjectAll      ProjectionKind = "ALL"
	ProjectOnlyKeys ProjectionKind = "KEYS_ONLY"
)

func (p ProjectionKind) Valid() bool {
	return p == ProjectAll || p == ProjectOnlyKeys
}
