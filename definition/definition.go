// Package definition models process definition documents: the activities,
// connections, variable schema, triggers and forms that a published
// definition version carries.
package definition

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in activity types.
const (
	TypeStart      = "start"
	TypeEnd        = "end"
	TypeScript     = "script"
	TypeService    = "service"
	TypeExclusive  = "exclusive"
	TypeParallel   = "parallel"
	TypeJoin       = "join"
	TypeUserTask   = "userTask"
	TypeTimer      = "timer"
	TypeReceive    = "receive"
	TypeSubprocess = "subprocess"
)

// Document is a process definition.
type Document struct {
	Code        string         `json:"code" yaml:"code"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Activities  []Activity     `json:"activities" yaml:"activities"`
	Connections []Connection   `json:"connections" yaml:"connections"`
	Variables   []VariableDecl `json:"variables,omitempty" yaml:"variables,omitempty"`
	Triggers    []Trigger      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Forms       []Form         `json:"forms,omitempty" yaml:"forms,omitempty"`
}

// Activity is a node of the process graph.
type Activity struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name,omitempty" yaml:"name,omitempty"`
	Type              string     `json:"type" yaml:"type"`
	Properties        Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
	Assignee          string     `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	DueIn             Duration   `json:"dueIn,omitempty" yaml:"dueIn,omitempty"`
	Compensation      string     `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	CompensateOnFault *bool      `json:"compensateOnFault,omitempty" yaml:"compensateOnFault,omitempty"`
	CustomAttributes  Properties `json:"customAttributes,omitempty" yaml:"customAttributes,omitempty"`
}

// ShouldCompensateOnFault reports whether a fault of this activity triggers compensation.
func (a *Activity) ShouldCompensateOnFault() bool {
	return a.CompensateOnFault == nil || *a.CompensateOnFault
}

// Connection is a directed edge between activities.
type Connection struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	OrderNum  int    `json:"orderNum,omitempty" yaml:"orderNum,omitempty"`
}

// VariableDecl declares a process variable and its default.
type VariableDecl struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Default any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Trigger starts a new instance when a matching event arrives.
type Trigger struct {
	Type            string `json:"type" yaml:"type"`
	EventType       string `json:"eventType" yaml:"eventType"`
	CorrelationPath string `json:"correlationPath,omitempty" yaml:"correlationPath,omitempty"`
}

// TriggerEvent is the only trigger type.
const TriggerEvent = "event"

// Form describes a form attached to the definition.
type Form struct {
	Key    string       `json:"key" yaml:"key"`
	Fields []Properties `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Properties holds opaque activity configuration. Only the behavior owning
// the activity type decodes it, through Decode.
type Properties map[string]any

// Decode converts the properties into v via their JSON form.
func (p Properties) Decode(v any) error {
	if len(p) == 0 {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Duration is a time.Duration written as a Go duration string ("90m", "2h").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid duration %s", data)
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Activity returns the activity with the given ID.
func (d *Document) Activity(id string) (*Activity, bool) {
	for i := range d.Activities {
		if d.Activities[i].ID == id {
			return &d.Activities[i], true
		}
	}
	return nil, false
}

// EntryActivity returns the single start activity.
func (d *Document) EntryActivity() (*Activity, bool) {
	for i := range d.Activities {
		if d.Activities[i].Type == TypeStart {
			return &d.Activities[i], true
		}
	}
	return nil, false
}

// Outgoing returns the connections leaving activityID ordered by OrderNum.
// Connections with equal OrderNum keep their document order.
func (d *Document) Outgoing(activityID string) []Connection {
	var out []Connection
	for _, c := range d.Connections {
		if c.Source == activityID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderNum < out[j].OrderNum })
	return out
}

// Reaches reports whether a path of one or more connections leads from
// one activity to another. Conditions are ignored.
func (d *Document) Reaches(from, to string) bool {
	seen := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range d.Connections {
			if c.Source != id || seen[c.Target] {
				continue
			}
			if c.Target == to {
				return true
			}
			seen[c.Target] = true
			queue = append(queue, c.Target)
		}
	}
	return false
}

// Incoming returns the connections entering activityID.
func (d *Document) Incoming(activityID string) []Connection {
	var in []Connection
	for _, c := range d.Connections {
		if c.Target == activityID {
			in = append(in, c)
		}
	}
	return in
}

// Defaults returns the declared variable defaults.
func (d *Document) Defaults() map[string]any {
	defaults := make(map[string]any, len(d.Variables))
	for _, v := range d.Variables {
		if v.Default != nil {
			defaults[v.Name] = v.Default
		}
	}
	return defaults
}

// TriggersFor returns the event triggers listening for eventType.
func (d *Document) TriggersFor(eventType string) []Trigger {
	var out []Trigger
	for _, t := range d.Triggers {
		if t.Type == TriggerEvent && t.EventType == eventType {
			out = append(out, t)
		}
	}
	return out
}
