package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when a payload is not a JSON object.
var ErrMalformed = errors.New("malformed message")

// Event is a decoded inbound message. The set of implementations is closed.
type Event interface {
	event()
}

type RegistrationStatus struct {
	Status Status
}

type FlowStatus struct {
	Flow   Flow
	Step   Step
	Status Status
}

// WeekDays is the device's weekly attendance report for one subject.
type WeekDays struct {
	UID  string
	Days []string
}

type Movement struct {
	EmployeeID string `json:"employeeId"`
	SubjectID  string `json:"subjectId"`
	Date       string `json:"date"`
	Time       string `json:"time"`
}

type InsideList struct {
	Total int
	Items []InsideItem
}

// Unknown is any well-formed message with no handler. Reason says why.
type Unknown struct {
	Topic   string
	Context string
	Reason  string
}

func (RegistrationStatus) event() {}
func (FlowStatus) event()         {}
func (WeekDays) event()           {}
func (Movement) event()           {}
func (InsideList) event()         {}
func (Unknown) event()            {}

// Decoder turns a raw payload into an Event.
type Decoder func(raw []byte) (Event, error)

var legacyRegistrationEvents = map[string]Status{
	"cadastro_start":              StatusWaiting,
	"cadastro_success":            StatusSuccess,
	"cadastro_already_registered": StatusExists,
	"cadastro_error":              StatusError,
}

func DecodeStatus(raw []byte) (Event, error) {
	var msg StatusMessage
	if err := unmarshalObject(raw, &msg); err != nil {
		return nil, err
	}

	switch msg.Context {
	case ContextRegistration:
		return registrationEvent(msg), nil
	case ContextEntry, ContextExit:
		return flowEvent(msg), nil
	case ContextWeekDays:
		// uid is optional; without it the reply is for the current selection
		days := make([]string, len(msg.Dias))
		copy(days, msg.Dias)
		return WeekDays{UID: msg.UID, Days: days}, nil
	case "":
		if _, ok := legacyRegistrationEvents[msg.Event]; ok {
			return registrationEvent(msg), nil
		}
		return unknown(TopicStatus, "", "missing context"), nil
	default:
		return unknown(TopicStatus, msg.Context, "unknown context"), nil
	}
}

func DecodeMovement(raw []byte) (Event, error) {
	var msg MovementMessage
	if err := unmarshalObject(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Usuario == "" || msg.Data == "" {
		return unknown(TopicMovements, "", "missing fields"), nil
	}
	return Movement{
		EmployeeID: msg.Funcionario,
		SubjectID:  msg.Usuario,
		Date:       msg.Data,
		Time:       msg.Hora,
	}, nil
}

func DecodeInside(raw []byte) (Event, error) {
	var msg InsideMessage
	if err := unmarshalObject(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Context != "" && msg.Context != ContextInside {
		return unknown(TopicInside, msg.Context, "unknown context"), nil
	}
	items := make([]InsideItem, len(msg.Itens))
	copy(items, msg.Itens)
	return InsideList{Total: msg.Total, Items: items}, nil
}

// ParseStatus maps a wire status string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusIdle, StatusWaiting, StatusSuccess, StatusExists, StatusError:
		return st, true
	}
	return "", false
}

func registrationEvent(msg StatusMessage) Event {
	raw := msg.Status
	if raw == "" {
		if st, ok := legacyRegistrationEvents[msg.Event]; ok {
			return RegistrationStatus{Status: st}
		}
		return unknown(TopicStatus, ContextRegistration, "missing status")
	}
	st, ok := ParseStatus(raw)
	if !ok || st == StatusIdle {
		return unknown(TopicStatus, ContextRegistration, "unknown status "+raw)
	}
	return RegistrationStatus{Status: st}
}

func flowEvent(msg StatusMessage) Event {
	step := Step(msg.Step)
	if step != StepParent && step != StepEmployee {
		return unknown(TopicStatus, msg.Context, "unknown step "+msg.Step)
	}
	if msg.Status == "" {
		return unknown(TopicStatus, msg.Context, "missing status")
	}
	st, ok := ParseStatus(msg.Status)
	if !ok || st == StatusExists {
		return unknown(TopicStatus, msg.Context, "unknown status "+msg.Status)
	}
	return FlowStatus{Flow: Flow(msg.Context), Step: step, Status: st}
}

func unknown(topic, context, reason string) Unknown {
	return Unknown{Topic: topic, Context: context, Reason: reason}
}

func unmarshalObject(raw []byte, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
