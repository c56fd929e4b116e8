package types

import (
	"encoding/json"
	"strings"
)

// Message is the human readable part of a step result. It is either plain
// text or structured, in which case it carries the step name and an itemized
// list of diagnostics.
type Message struct {
	StepName string   `json:"step_name,omitempty"`
	Infos    []string `json:"infos,omitempty"`
	Text     string   `json:"-"`
}

// Text builds a plain message.
func Text(s string) Message {
	return Message{Text: s}
}

// Infos builds a structured message for the named step.
func Infos(stepName string, infos ...string) Message {
	return Message{StepName: stepName, Infos: append([]string{}, infos...)}
}

// Structured reports whether the message carries a step name.
func (m Message) Structured() bool {
	return m.StepName != ""
}

// Add appends diagnostics to a structured message.
func (m *Message) Add(infos ...string) {
	m.Infos = append(m.Infos, infos...)
}

func (m Message) String() string {
	if !m.Structured() {
		return m.Text
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m.StepName + ": " + strings.Join(m.Infos, "; ")
	}
	return string(b)
}

// Result is what a step body hands back to the runner.
type Result struct {
	Status  StatusCode
	Message Message
}

// Succeed returns a success result for the named step with a single "OK" info.
func Succeed(stepName string) Result {
	return Result{Status: StatusSuccess, Message: Infos(stepName, "OK")}
}

// Fail returns a failure result for the named step.
func Fail(stepName string, infos ...string) Result {
	return Result{Status: StatusFailure, Message: Infos(stepName, infos...)}
}
