// Package syntax encodes the structured body of a reassembled message.
//
// A body is a YAML document with a version, top-level arguments and a list of
// commands, each with its own arguments:
//
//	ver: "1"
//	args:
//	  zb: "12"
//	cmds:
//	  - name: hreq1
//	    args:
//	      yppsk: AQID...
//
// Binary values are base64 (standard encoding), integers are decimal strings.
// A Syntax holds the registry of known commands and checks that required
// arguments are present and well typed in both directions.
package syntax

import (
	"encoding/base64"
	"sort"
	"strconv"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Version is written into every body and must match on parse.
const Version = "1"

// Kind is the type of an argument value.
type Kind uint8

const (
	KindString Kind = iota
	KindBytes
	KindUint
)

// ArgSpec declares one argument.
type ArgSpec struct {
	Name     string
	Kind     Kind
	Required bool
}

// CommandSpec declares a command and its arguments.
type CommandSpec struct {
	Name string
	Args []ArgSpec
}

// Syntax is a registry of commands. It is built once and read concurrently.
type Syntax struct {
	top      []ArgSpec
	commands map[string]CommandSpec
}

// New creates a registry with the given top-level arguments.
func New(top ...ArgSpec) *Syntax {
	return &Syntax{top: top, commands: make(map[string]CommandSpec)}
}

// Register adds a command. A later registration of the same name wins.
func (s *Syntax) Register(cmd CommandSpec) *Syntax {
	s.commands[cmd.Name] = cmd
	return s
}

// Commands lists registered command names in sorted order.
func (s *Syntax) Commands() []string {
	names := make([]string, 0, len(s.commands))
	for n := range s.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Args are argument values in their string form.
type Args map[string]string

// Has reports whether name is set.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String returns the raw value.
func (a Args) String(name string) string {
	return a[name]
}

// Bytes decodes a base64 value. A missing argument yields nil, nil.
func (a Args) Bytes(name string) ([]byte, error) {
	v, ok := a[name]
	if !ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, oops.Wrapf(ErrBadArgument, "%s: %v", name, err)
	}
	return b, nil
}

// Uint decodes a decimal value. A missing argument yields 0, nil.
func (a Args) Uint(name string) (uint64, error) {
	v, ok := a[name]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, oops.Wrapf(ErrBadArgument, "%s: %v", name, err)
	}
	return n, nil
}

// SetString sets a string value and returns a for chaining.
func (a Args) SetString(name, v string) Args {
	a[name] = v
	return a
}

// SetBytes sets a base64 value.
func (a Args) SetBytes(name string, v []byte) Args {
	a[name] = base64.StdEncoding.EncodeToString(v)
	return a
}

// SetUint sets a decimal value.
func (a Args) SetUint(name string, v uint64) Args {
	a[name] = strconv.FormatUint(v, 10)
	return a
}

// Command is one command of a message.
type Command struct {
	Name string `yaml:"name"`
	Args Args   `yaml:"args,omitempty"`
}

// Msg is a decoded body.
type Msg struct {
	Args Args      `yaml:"args,omitempty"`
	Cmds []Command `yaml:"cmds"`
}

// NewMsg creates an empty message.
func NewMsg() *Msg {
	return &Msg{Args: Args{}}
}

// Add appends a command and returns its argument map.
func (m *Msg) Add(name string) Args {
	args := Args{}
	m.Cmds = append(m.Cmds, Command{Name: name, Args: args})
	return args
}

// Find returns the first command named name.
func (m *Msg) Find(name string) (Command, bool) {
	for _, c := range m.Cmds {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

type document struct {
	Ver  string    `yaml:"ver"`
	Args Args      `yaml:"args,omitempty"`
	Cmds []Command `yaml:"cmds"`
}

// Encode checks m against the registry and serializes it.
func (s *Syntax) Encode(m *Msg) ([]byte, error) {
	if err := s.check(m); err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(document{Ver: Version, Args: m.Args, Cmds: m.Cmds})
	if err != nil {
		return nil, oops.Errorf("failed to encode body: %w", err)
	}
	return out, nil
}

// Parse decodes and checks a body.
func (s *Syntax) Parse(data []byte) (*Msg, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Wrapf(ErrMalformedBody, "%v", err)
	}
	if doc.Ver != Version {
		return nil, oops.Wrapf(ErrMalformedBody, "version %q", doc.Ver)
	}
	if len(doc.Cmds) == 0 {
		return nil, oops.Wrapf(ErrMalformedBody, "no commands")
	}
	m := &Msg{Args: doc.Args, Cmds: doc.Cmds}
	if m.Args == nil {
		m.Args = Args{}
	}
	if err := s.check(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Syntax) check(m *Msg) error {
	if err := checkArgs("message", s.top, m.Args); err != nil {
		return err
	}
	for i := range m.Cmds {
		c := &m.Cmds[i]
		spec, ok := s.commands[c.Name]
		if !ok {
			return oops.Wrapf(ErrUnknownCommand, "%q", c.Name)
		}
		if c.Args == nil {
			c.Args = Args{}
		}
		if err := checkArgs(c.Name, spec.Args, c.Args); err != nil {
			return err
		}
	}
	return nil
}

func checkArgs(where string, specs []ArgSpec, args Args) error {
	for _, spec := range specs {
		if !args.Has(spec.Name) {
			if spec.Required {
				return oops.Wrapf(ErrMissingArgument, "%s: -%s", where, spec.Name)
			}
			continue
		}
		var err error
		switch spec.Kind {
		case KindBytes:
			_, err = args.Bytes(spec.Name)
		case KindUint:
			_, err = args.Uint(spec.Name)
		}
		if err != nil {
			return oops.Wrapf(err, "%s", where)
		}
	}
	return nil
}
