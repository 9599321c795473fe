package doc

import (
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v2"
)

// wireValue is the on-disk/wire representation of a Value: an explicit
// kind discriminator plus the native payload, so round-tripping never
// depends on YAML's own type inference (which can't tell text from
// binary once decoded into an interface{}).
type wireValue struct {
	T string      `yaml:"t"`
	V interface{} `yaml:"v,omitempty"`
}

type wireChild struct {
	Tag  string    `yaml:"tag"`
	Node *wireNode `yaml:"node"`
}

type wireNode struct {
	A map[string]wireValue `yaml:"a,omitempty"`
	C []wireChild          `yaml:"c,omitempty"`
}

func toWire(n *Node) *wireNode {
	if n == nil {
		return nil
	}
	w := &wireNode{A: make(map[string]wireValue, len(n.Attributes))}
	for k, v := range n.Attributes {
		w.A[k] = valueToWire(v)
	}
	for _, c := range n.Children {
		w.C = append(w.C, wireChild{Tag: c.Tag, Node: toWire(c.Node)})
	}
	return w
}

func fromWire(w *wireNode) *Node {
	if w == nil {
		return nil
	}
	n := NewNode()
	for k, v := range w.A {
		n.Attributes[k] = wireToValue(v)
	}
	for _, c := range w.C {
		n.Children = append(n.Children, Child{Tag: c.Tag, Node: fromWire(c.Node)})
	}
	return n
}

func valueToWire(v Value) wireValue {
	switch v.kind {
	case 'b':
		return wireValue{T: "b", V: v.b}
	case 'i':
		return wireValue{T: "i", V: v.i}
	case 'f':
		return wireValue{T: "f", V: v.f}
	case 't':
		return wireValue{T: "t", V: v.s}
	case 'B':
		return wireValue{T: "B", V: base64.StdEncoding.EncodeToString(v.bs)}
	default:
		return wireValue{T: ""}
	}
}

func wireToValue(w wireValue) Value {
	switch w.T {
	case "b":
		b, _ := w.V.(bool)
		return Bool(b)
	case "i":
		return Int(toInt64(w.V))
	case "f":
		return Float(toFloat64(w.V))
	case "t":
		s, _ := w.V.(string)
		return Text(s)
	case "B":
		s, _ := w.V.(string)
		bs, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Null
		}
		return Bytes(bs)
	default:
		return Null
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

// Marshal serializes a tree to its on-disk/wire byte representation.
func Marshal(n *Node) ([]byte, error) {
	out, err := yaml.Marshal(toWire(n))
	if err != nil {
		return nil, fmt.Errorf("doc.Marshal: %w", err)
	}
	return out, nil
}

// Unmarshal parses a tree from its on-disk/wire byte representation.
func Unmarshal(data []byte) (*Node, error) {
	var w wireNode
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("doc.Unmarshal: %w", err)
	}
	return fromWire(&w), nil
}
