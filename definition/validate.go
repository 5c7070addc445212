package definition

import (
	"fmt"
	"strings"
)

// ValidationError lists every structural problem found in a document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid definition: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structure of the document: a code, unique activity and
// connection IDs, exactly one start activity, and connections whose ends exist.
// known, when non-nil, reports whether an activity type is registered.
func (d *Document) Validate(known func(activityType string) bool) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(d.Code) == "" {
		add("code is required")
	}
	if len(d.Activities) == 0 {
		add("at least one activity is required")
	}

	ids := make(map[string]bool, len(d.Activities))
	starts := 0
	for _, a := range d.Activities {
		switch {
		case a.ID == "":
			add("activity without id")
			continue
		case ids[a.ID]:
			add("duplicate activity id %q", a.ID)
		}
		ids[a.ID] = true

		if a.Type == "" {
			add("activity %q has no type", a.ID)
		} else if known != nil && !known(a.Type) {
			add("activity %q has unknown type %q", a.ID, a.Type)
		}
		if a.Type == TypeStart {
			starts++
		}
		if a.DueIn < 0 {
			add("activity %q has negative dueIn", a.ID)
		}
	}
	if len(d.Activities) > 0 && starts != 1 {
		add("exactly one start activity is required, found %d", starts)
	}

	connIDs := make(map[string]bool, len(d.Connections))
	for _, c := range d.Connections {
		if connIDs[c.ID] {
			add("duplicate connection id %q", c.ID)
		}
		connIDs[c.ID] = true
		if !ids[c.Source] {
			add("connection %q references unknown source %q", c.ID, c.Source)
		}
		if !ids[c.Target] {
			add("connection %q references unknown target %q", c.ID, c.Target)
		}
	}

	for _, a := range d.Activities {
		if a.Type == TypeStart && len(d.Incoming(a.ID)) > 0 {
			add("start activity %q cannot have incoming connections", a.ID)
		}
		if a.Type == TypeEnd && len(d.Outgoing(a.ID)) > 0 {
			add("end activity %q cannot have outgoing connections", a.ID)
		}
	}

	names := make(map[string]bool, len(d.Variables))
	for _, v := range d.Variables {
		if v.Name == "" {
			add("variable without name")
		} else if names[v.Name] {
			add("duplicate variable %q", v.Name)
		}
		names[v.Name] = true
	}

	for _, t := range d.Triggers {
		if t.Type != TriggerEvent {
			add("unsupported trigger type %q", t.Type)
		}
		if t.EventType == "" {
			add("trigger without eventType")
		}
	}

	forms := make(map[string]bool, len(d.Forms))
	for _, f := range d.Forms {
		if f.Key == "" {
			add("form without key")
		} else if forms[f.Key] {
			add("duplicate form %q", f.Key)
		}
		forms[f.Key] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
