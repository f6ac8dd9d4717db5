package stateflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const vodDefinition = `
name: vod-ingest
description: validate, probe, profile and encode a source video
start_at: Validate
states:
  Validate:
    type: task
    step: validate
    next: Probe
  Probe:
    type: task
    step: probe
    next: Profile
  Profile:
    type: choice
    choices:
      - variable: "$.srcHeight"
        operator: ">="
        value: 720
        next: Encode
        assign: {profile: hd}
    default: Encode
    default_assign: {profile: sd}
  Encode:
    type: parallel
    next: Publish
    branches:
      - start_at: EncodeMp4
        states:
          EncodeMp4: {type: task, step: encode-mp4, end: true}
      - start_at: EncodeHls
        states:
          EncodeHls: {type: task, step: encode-hls, end: true}
  Publish:
    type: task
    step: publish
    end: true
`

func TestLoadDefinition(t *testing.T) {
	def, err := LoadString(vodDefinition)
	require.NoError(t, err)
	require.Equal(t, "vod-ingest", def.Name())
	require.Equal(t, "Validate", def.StartAt())
	require.Equal(t, []string{"Encode", "Probe", "Profile", "Publish", "Validate"}, def.StateNames())
	require.Equal(t, []string{"encode-hls", "encode-mp4", "probe", "publish", "validate"}, def.TaskSteps())

	profile, ok := def.State("Profile")
	require.True(t, ok)
	require.Equal(t, StateChoice, profile.Type)
	require.Equal(t, []string{"Encode"}, Successors(profile))
}

func TestLoadJSONDefinition(t *testing.T) {
	def, err := LoadString(`{
		"name": "tiny",
		"start_at": "A",
		"states": {
			"A": {"type": "pass", "result": {"x": 1}, "next": "B"},
			"B": {"type": "succeed"}
		}
	}`)
	require.NoError(t, err)
	require.Equal(t, "tiny", def.Name())
}

func TestInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "missing name and start",
			doc:  `states: {A: {type: succeed}}`,
			want: []string{"name required", "start_at required"},
		},
		{
			name: "dangling next",
			doc: `
name: d
start_at: A
states:
  A: {type: task, step: s, next: Nowhere}`,
			want: []string{`state "A": next "Nowhere" does not reference a state`},
		},
		{
			name: "unknown start",
			doc: `
name: d
start_at: Missing
states:
  A: {type: succeed}`,
			want: []string{`start_at "Missing" does not reference a state`},
		},
		{
			name: "choice without default",
			doc: `
name: d
start_at: C
states:
  C:
    type: choice
    choices: [{variable: x, operator: "==", value: 1, next: Done}]
  Done: {type: succeed}`,
			want: []string{`state "C": default required`},
		},
		{
			name: "choice without rules",
			doc: `
name: d
start_at: C
states:
  C: {type: choice, default: Done}
  Done: {type: succeed}`,
			want: []string{"at least one choice rule required"},
		},
		{
			name: "unknown operator and bad condition",
			doc: `
name: d
start_at: C
states:
  C:
    type: choice
    choices:
      - {variable: x, operator: "~=", value: 1, next: Done}
      - {condition: "state.x >", next: Done}
    default: Done
  Done: {type: succeed}`,
			want: []string{`unknown operator "~="`, "choices[1]: condition"},
		},
		{
			name: "task without transition",
			doc: `
name: d
start_at: A
states:
  A: {type: task, step: s}`,
			want: []string{"next or end required"},
		},
		{
			name: "unknown type",
			doc: `
name: d
start_at: A
states:
  A: {type: wait}`,
			want: []string{`unknown type "wait"`},
		},
		{
			name: "invalid branch",
			doc: `
name: d
start_at: P
states:
  P:
    type: parallel
    end: true
    branches:
      - start_at: X
        states:
          X: {type: task, step: s, next: Y}`,
			want: []string{`branch P[0] state "X": next "Y" does not reference a state`},
		},
		{
			name: "branch cannot reach parent states",
			doc: `
name: d
start_at: P
states:
  P:
    type: parallel
    next: Done
    branches:
      - start_at: X
        states:
          X: {type: pass, next: Done}
  Done: {type: succeed}`,
			want: []string{`branch P[0] state "X": next "Done" does not reference a state`},
		},
		{
			name: "bad catch and retry",
			doc: `
name: d
start_at: A
states:
  A:
    type: task
    step: s
    end: true
    retry: [{max_retries: -1, jitter_strategy: SOME}]
    catch: [{next: Gone}]
`,
			want: []string{
				"retry[0]: max_retries must not be negative",
				`unknown jitter_strategy "SOME"`,
				"catch[0]: error_equals required",
				`catch[0].next "Gone" does not reference a state`,
			},
		},
		{
			name: "nested rule with next",
			doc: `
name: d
start_at: C
states:
  C:
    type: choice
    choices:
      - and:
          - {variable: a, operator: exists, next: Done}
        next: Done
    default: Done
  Done: {type: succeed}`,
			want: []string{"nested rules cannot set next or assign"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.doc)
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			for _, want := range tt.want {
				require.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestLoadMalformedDocument(t *testing.T) {
	_, err := LoadString("name: [")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to unmarshal definition")
}

func TestDefinitionRegistry(t *testing.T) {
	def, err := LoadString(vodDefinition)
	require.NoError(t, err)

	registry, err := NewDefinitionRegistry(def)
	require.NoError(t, err)
	require.Equal(t, []string{"vod-ingest"}, registry.List())

	got, ok := registry.Get("vod-ingest")
	require.True(t, ok)
	require.Same(t, def, got)

	require.Error(t, registry.Register(def))
	require.Error(t, registry.Register(nil))
}

// chainOptions builds a linear chain S0 -> S1 -> ... ending in a Succeed
// state, with Choice states that always carry a default.
func chainOptions(t *rapid.T) Options {
	n := rapid.IntRange(1, 8).Draw(t, "states")
	states := map[string]*State{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("S%d", i)
		next := fmt.Sprintf("S%d", i+1)
		switch rapid.SampledFrom([]StateType{StateTask, StatePass, StateChoice}).Draw(t, "type") {
		case StateTask:
			states[name] = &State{Type: StateTask, Step: "s", Next: next}
		case StatePass:
			states[name] = &State{Type: StatePass, Next: next}
		case StateChoice:
			states[name] = &State{
				Type: StateChoice,
				Choices: []*ChoiceRule{{
					Variable: "x",
					Operator: rapid.SampledFrom([]string{"==", "<", ">=", "exists"}).Draw(t, "op"),
					Value:    rapid.IntRange(0, 10).Draw(t, "value"),
					Next:     next,
				}},
				Default: next,
			}
		}
	}
	states[fmt.Sprintf("S%d", n)] = &State{Type: StateSucceed}
	return Options{Name: "chain", StartAt: "S0", States: states}
}

func TestLoadAcceptsValidGraphs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		_, err := New(chainOptions(t))
		require.NoError(t, err)
	})
}

func TestLoadRejectsDanglingReferences(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := chainOptions(t)
		names := sortedStateNames(opts.States)
		victim := opts.States[rapid.SampledFrom(names).Draw(t, "victim")]
		switch victim.Type {
		case StateSucceed:
			// Terminal states have nothing to break; point the start away.
			opts.StartAt = "Dangling"
		case StateChoice:
			if rapid.Bool().Draw(t, "dropDefault") {
				victim.Default = ""
			} else {
				victim.Choices[0].Next = "Dangling"
			}
		default:
			victim.Next = "Dangling"
		}
		_, err := New(opts)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
	})
}
