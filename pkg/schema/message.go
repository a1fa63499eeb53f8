package schema

// MessageKind discriminates the recursive node-message type algebra.
type MessageKind string

const (
	MessageKindString      MessageKind = "string"
	MessageKindEnum        MessageKind = "enum"
	MessageKindArray       MessageKind = "array"
	MessageKindOptional    MessageKind = "optional"
	MessageKindObject      MessageKind = "object"
	MessageKindTaggedUnion MessageKind = "tagged_union"
	MessageKindRef         MessageKind = "ref"
)

// MessageType describes the shape of a node's input or output message.
// It is a tagged variant: Kind selects which of the remaining fields apply.
type MessageType struct {
	Kind MessageKind `json:"type"`

	// Values holds the allowed literals for enum types.
	Values []string `json:"values,omitempty"`

	// Of is the element type for array, or the wrapped type for optional.
	Of *MessageType `json:"of,omitempty"`

	// Fields maps field name to its description and type for object types.
	Fields map[string]MessageField `json:"fields,omitempty"`

	// Tags maps tag value to its description and payload type for tagged unions.
	Tags map[string]MessageField `json:"tags,omitempty"`

	// Name references a workflow-level typedef for ref types.
	Name string `json:"name,omitempty"`
}

// MessageField is a single named member of an object or tagged union.
type MessageField struct {
	Description string       `json:"description,omitempty"`
	Type        *MessageType `json:"type"`
}

// StringType returns a string MessageType.
func StringType() *MessageType { return &MessageType{Kind: MessageKindString} }

// EnumType returns an enum MessageType over the given values.
func EnumType(values ...string) *MessageType {
	return &MessageType{Kind: MessageKindEnum, Values: values}
}

// ArrayType returns an array MessageType with the given element type.
func ArrayType(of *MessageType) *MessageType {
	return &MessageType{Kind: MessageKindArray, Of: of}
}

// OptionalType returns an optional MessageType wrapping the given type.
func OptionalType(of *MessageType) *MessageType {
	return &MessageType{Kind: MessageKindOptional, Of: of}
}

// ObjectType returns an object MessageType with the given fields.
func ObjectType(fields map[string]MessageField) *MessageType {
	return &MessageType{Kind: MessageKindObject, Fields: fields}
}

// TaggedUnionType returns a tagged-union MessageType with the given tags.
func TaggedUnionType(tags map[string]MessageField) *MessageType {
	return &MessageType{Kind: MessageKindTaggedUnion, Tags: tags}
}

// RefType returns a reference to a named workflow typedef.
func RefType(name string) *MessageType {
	return &MessageType{Kind: MessageKindRef, Name: name}
}

// Resolve follows ref chains through the given typedefs. Unknown names and
// nil receivers return the input unchanged; cycles are cut after one pass
// per name.
func (t *MessageType) Resolve(typedefs map[string]*MessageType) *MessageType {
	seen := make(map[string]bool)
	cur := t
	for cur != nil && cur.Kind == MessageKindRef {
		if seen[cur.Name] {
			return cur
		}
		seen[cur.Name] = true
		next, ok := typedefs[cur.Name]
		if !ok {
			return cur
		}
		cur = next
	}
	return cur
}
