package definition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaveYAML = `
code: leave
name: Leave request
variables:
  - name: days
    type: number
    default: 1
activities:
  - id: start
    type: start
  - id: manager
    name: Manager approval
    type: userTask
    assignee: ${manager}
    dueIn: 48h
    properties:
      form: leave
  - id: decide
    type: exclusive
  - id: end
    type: end
connections:
  - source: start
    target: manager
  - source: manager
    target: decide
  - source: decide
    target: end
    condition: outcome == "approved"
    orderNum: 2
  - source: decide
    target: manager
    condition: days > 10
    orderNum: 1
triggers:
  - type: event
    eventType: com.example.leave.requested
    correlationPath: request.id
forms:
  - key: leave
    fields:
      - name: days
        type: number
`

func TestParseYAML(t *testing.T) {
	doc, err := Parse([]byte(leaveYAML))
	require.NoError(t, err)

	assert.Equal(t, "leave", doc.Code)
	require.Len(t, doc.Activities, 4)

	manager, ok := doc.Activity("manager")
	require.True(t, ok)
	assert.Equal(t, 48*time.Hour, manager.DueIn.Std())
	assert.Equal(t, "${manager}", manager.Assignee)
	assert.True(t, manager.ShouldCompensateOnFault())

	var props struct {
		Form string `json:"form"`
	}
	require.NoError(t, manager.Properties.Decode(&props))
	assert.Equal(t, "leave", props.Form)

	entry, ok := doc.EntryActivity()
	require.True(t, ok)
	assert.Equal(t, "start", entry.ID)

	assert.Equal(t, map[string]any{"days": 1}, doc.Defaults())
	assert.Len(t, doc.TriggersFor("com.example.leave.requested"), 1)
	assert.Equal(t, "start->manager", doc.Connections[0].ID)

	require.NoError(t, doc.Validate(nil))
}

func TestOutgoingOrderedByOrderNum(t *testing.T) {
	doc, err := ParseYAML([]byte(leaveYAML))
	require.NoError(t, err)

	out := doc.Outgoing("decide")
	require.Len(t, out, 2)
	assert.Equal(t, "manager", out[0].Target)
	assert.Equal(t, "end", out[1].Target)
	assert.Len(t, doc.Incoming("manager"), 2)
}

func TestReaches(t *testing.T) {
	doc, err := ParseYAML([]byte(leaveYAML))
	require.NoError(t, err)

	assert.True(t, doc.Reaches("start", "end"))
	assert.True(t, doc.Reaches("manager", "manager"), "decide loops back")
	assert.False(t, doc.Reaches("end", "manager"))
	assert.False(t, doc.Reaches("start", "start"))
}

func TestJSONRoundTrip(t *testing.T) {
	doc, err := ParseYAML([]byte(leaveYAML))
	require.NoError(t, err)

	data, err := doc.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"dueIn":"48h0m0s"`)

	again, err := Parse(data)
	require.NoError(t, err)
	manager, _ := again.Activity("manager")
	assert.Equal(t, 48*time.Hour, manager.DueIn.Std())

	y, err := again.EncodeYAML()
	require.NoError(t, err)
	assert.Contains(t, string(y), "code: leave")
}

func TestDurationAcceptsSeconds(t *testing.T) {
	doc, err := ParseJSON([]byte(`{"code":"c","activities":[{"id":"s","type":"start","dueIn":90}]}`))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, doc.Activities[0].DueIn.Std())
}

func TestCompensateOnFaultFlag(t *testing.T) {
	doc, err := ParseYAML([]byte(`
code: c
activities:
  - id: s
    type: start
    compensateOnFault: false
`))
	require.NoError(t, err)
	assert.False(t, doc.Activities[0].ShouldCompensateOnFault())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		known   func(string) bool
		problem string
	}{
		{
			name:    "missing code",
			doc:     `{"activities":[{"id":"s","type":"start"}]}`,
			problem: "code is required",
		},
		{
			name:    "no start",
			doc:     `{"code":"c","activities":[{"id":"e","type":"end"}]}`,
			problem: "exactly one start activity",
		},
		{
			name:    "two starts",
			doc:     `{"code":"c","activities":[{"id":"a","type":"start"},{"id":"b","type":"start"}]}`,
			problem: "found 2",
		},
		{
			name:    "duplicate ids",
			doc:     `{"code":"c","activities":[{"id":"s","type":"start"},{"id":"s","type":"end"}]}`,
			problem: `duplicate activity id "s"`,
		},
		{
			name:    "dangling connection",
			doc:     `{"code":"c","activities":[{"id":"s","type":"start"}],"connections":[{"source":"s","target":"x"}]}`,
			problem: `unknown target "x"`,
		},
		{
			name:    "unknown type",
			doc:     `{"code":"c","activities":[{"id":"s","type":"start"},{"id":"x","type":"bpmn:weird"}]}`,
			known:   func(t string) bool { return t == TypeStart },
			problem: `unknown type "bpmn:weird"`,
		},
		{
			name:    "end with outgoing",
			doc:     `{"code":"c","activities":[{"id":"s","type":"start"},{"id":"e","type":"end"}],"connections":[{"source":"e","target":"s"}]}`,
			problem: "cannot have",
		},
		{
			name:    "bad trigger",
			doc:     `{"code":"c","activities":[{"id":"s","type":"start"}],"triggers":[{"type":"cron"}]}`,
			problem: `unsupported trigger type "cron"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.doc))
			require.NoError(t, err)

			err = doc.Validate(tt.known)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Contains(t, verr.Error(), tt.problem)
		})
	}
}
