package thermal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/tidwall/jsonc"
)

// Entry names a registered type and carries its params. In a policy file
// an entry is either a bare key, "fan.all.absence", or an object,
// {"type": "fan.all.set_speed", "speed": 60}.
type Entry struct {
	Type   string
	Params Params
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Type)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	t, ok := fields["type"].(string)
	if !ok {
		return errors.New().WithData(ErrInvalidPolicy, fmt.Sprintf("entry without a string \"type\": %s", data))
	}
	delete(fields, "type")

	e.Type = t
	e.Params = fields

	return nil
}

// PolicyEntry is one policy as written in the file
type PolicyEntry struct {
	Name       string  `json:"name"`
	Conditions []Entry `json:"conditions"`
	Actions    []Entry `json:"actions"`
}

// File is a parsed policy file. Unknown top-level fields are ignored.
type File struct {
	InfoTypes           []Entry       `json:"info_types"`
	Policies            []PolicyEntry `json:"policies"`
	FanSpeedWhenSuspend *int          `json:"fan_speed_when_suspend"`
}

// Parse decodes a policy file. Comments and trailing commas are allowed.
func Parse(data []byte) (*File, error) {
	errFactory := errors.New()

	var f File
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		if errors.HasCode(err, ErrInvalidPolicy) {
			return nil, err
		}
		return nil, errFactory.Wrap(ErrInvalidPolicy, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

// ReadFile reads and parses the policy file at path
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(ErrReadPolicy, err)
	}

	f, err := Parse(data)
	if err != nil {
		var e errors.Error
		if errors.As(err, &e) {
			return nil, e.WithMessage("Invalid policy file " + path)
		}
		return nil, err
	}

	return f, nil
}

func (f *File) validate() error {
	errFactory := errors.New()

	if len(f.Policies) == 0 {
		return errFactory.WithData(ErrInvalidPolicy, "no policies")
	}
	if s := f.FanSpeedWhenSuspend; s != nil && (*s < 0 || *s > 100) {
		return errFactory.WithData(ErrInvalidPolicy, fmt.Sprintf("fan_speed_when_suspend=%d", *s))
	}

	for _, e := range f.InfoTypes {
		if e.Type == "" {
			return errFactory.WithData(ErrInvalidPolicy, "info type without a type")
		}
	}

	names := make(map[string]struct{}, len(f.Policies))
	for i, p := range f.Policies {
		if p.Name == "" {
			return errFactory.WithData(ErrInvalidPolicy, fmt.Sprintf("policy #%d has no name", i))
		}
		if _, ok := names[p.Name]; ok {
			return errFactory.WithData(ErrInvalidPolicy, "duplicate policy "+p.Name)
		}
		names[p.Name] = struct{}{}

		for _, e := range append(append([]Entry(nil), p.Conditions...), p.Actions...) {
			if e.Type == "" {
				return errFactory.WithData(ErrInvalidPolicy, "policy "+p.Name+" has an entry without a type")
			}
		}
	}

	return nil
}

type namedCondition struct {
	key string
	Condition
}

type namedAction struct {
	key string
	Action
}

// Policy binds an AND of conditions to an ordered list of actions. A
// policy without conditions always matches.
type Policy struct {
	Name       string
	conditions []namedCondition
	actions    []namedAction
}

// Matches evaluates the conditions in order and stops at the first miss
func (p *Policy) Matches(infos *InfoSet) bool {
	for _, c := range p.conditions {
		if !c.IsMatch(infos) {
			return false
		}
	}
	return true
}

func (p *Policy) ConditionKeys() []string {
	keys := make([]string, len(p.conditions))
	for i, c := range p.conditions {
		keys[i] = c.key
	}
	return keys
}

func (p *Policy) ActionKeys() []string {
	keys := make([]string, len(p.actions))
	for i, a := range p.actions {
		keys[i] = a.key
	}
	return keys
}

// PolicySet is a policy file bound to live objects
type PolicySet struct {
	Infos               *InfoSet
	Policies            []*Policy
	FanSpeedWhenSuspend *int
}

// Build instantiates every entry of f through r. Any unknown key fails the
// whole set.
func Build(f *File, r *Registry) (*PolicySet, error) {
	infoTypes := f.InfoTypes
	if len(infoTypes) == 0 {
		for _, key := range r.InfoKeys() {
			infoTypes = append(infoTypes, Entry{Type: key})
		}
	}

	infos := make([]Info, 0, len(infoTypes))
	for _, e := range infoTypes {
		info, err := r.CreateInfo(e.Type, e.Params)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	set, err := NewInfoSet(infos...)
	if err != nil {
		return nil, err
	}

	policies := make([]*Policy, 0, len(f.Policies))
	for _, entry := range f.Policies {
		p := &Policy{Name: entry.Name}
		for _, e := range entry.Conditions {
			c, err := r.CreateCondition(e.Type, e.Params)
			if err != nil {
				return nil, errors.New().Wrap(errors.CodeOf(err), err).WithMessage("policy " + entry.Name)
			}
			p.conditions = append(p.conditions, namedCondition{key: e.Type, Condition: c})
		}
		for _, e := range entry.Actions {
			a, err := r.CreateAction(e.Type, e.Params)
			if err != nil {
				return nil, errors.New().Wrap(errors.CodeOf(err), err).WithMessage("policy " + entry.Name)
			}
			p.actions = append(p.actions, namedAction{key: e.Type, Action: a})
		}
		policies = append(policies, p)
	}

	return &PolicySet{
		Infos:               set,
		Policies:            policies,
		FanSpeedWhenSuspend: f.FanSpeedWhenSuspend,
	}, nil
}
