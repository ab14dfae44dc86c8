// Package abi describes contract interfaces and encodes JSON action
// arguments into the binary form carried in action data.
package abi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-icp/pkg/types"
)

// Errors returned while encoding.
var (
	ErrUnknownAction = errors.New("action not in contract interface")
	ErrUnknownType   = errors.New("unknown abi type")
	ErrEncode        = errors.New("abi encode")
)

// maxTypeDepth bounds alias and nesting resolution.
const maxTypeDepth = 32

// Field is a named, typed struct member.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Struct is a struct definition. Base fields are encoded first.
type Struct struct {
	Name   string  `json:"name"`
	Base   string  `json:"base"`
	Fields []Field `json:"fields"`
}

// TypeDef declares NewTypeName as an alias of Type.
type TypeDef struct {
	NewTypeName string `json:"new_type_name"`
	Type        string `json:"type"`
}

// ActionDef maps an action name to its argument struct.
type ActionDef struct {
	Name types.Name `json:"name"`
	Type string     `json:"type"`
}

// Description is a contract interface as published on chain.
type Description struct {
	Version string      `json:"version"`
	Types   []TypeDef   `json:"types"`
	Structs []Struct    `json:"structs"`
	Actions []ActionDef `json:"actions"`

	once    sync.Once
	aliases map[string]string
	structs map[string]*Struct
	actions map[types.Name]string
}

// Parse decodes a JSON interface description.
func Parse(data []byte) (*Description, error) {
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &d, nil
}

func (d *Description) index() {
	d.once.Do(func() {
		d.aliases = make(map[string]string, len(d.Types))
		for _, t := range d.Types {
			d.aliases[t.NewTypeName] = t.Type
		}
		d.structs = make(map[string]*Struct, len(d.Structs))
		for i := range d.Structs {
			d.structs[d.Structs[i].Name] = &d.Structs[i]
		}
		d.actions = make(map[types.Name]string, len(d.Actions))
		for _, a := range d.Actions {
			d.actions[a.Name] = a.Type
		}
	})
}

// ActionType returns the argument struct name of action.
func (d *Description) ActionType(action types.Name) (string, bool) {
	d.index()
	t, ok := d.actions[action]
	return t, ok
}

// HasAction reports whether the interface declares action.
func (d *Description) HasAction(action types.Name) bool {
	_, ok := d.ActionType(action)
	return ok
}

// resolve follows typedef aliases.
func (d *Description) resolve(name string) (string, error) {
	d.index()
	for i := 0; i < maxTypeDepth; i++ {
		next, ok := d.aliases[name]
		if !ok {
			return name, nil
		}
		name = next
	}
	return "", fmt.Errorf("%w: alias chain too deep at %q", ErrUnknownType, name)
}
