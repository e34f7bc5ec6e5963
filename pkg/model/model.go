package model

import (
	"strings"
	"time"
)

const (
	TopicCommands  = "portaria/comandos"
	TopicStatus    = "portaria/status"
	TopicMovements = "portaria/movimentacoes"
	TopicInside    = "portaria/dentro"

	ContextRegistration = "cadastro"
	ContextEntry        = "entrada"
	ContextExit         = "saida"
	ContextWeekDays     = "uid_week_days"
	ContextInside       = "inside"

	// DateLayout is the day-first layout of the movement "data" field.
	DateLayout = "2/1/2006"
)

// Topics names the broker channels shared with the device.
type Topics struct {
	Commands  string `yaml:"commands"`
	Status    string `yaml:"status"`
	Movements string `yaml:"movements"`
	Inside    string `yaml:"inside"`
}

func DefaultTopics() Topics {
	return Topics{
		Commands:  TopicCommands,
		Status:    TopicStatus,
		Movements: TopicMovements,
		Inside:    TopicInside,
	}
}

type CommandKind string

const (
	CommandStartRegister       CommandKind = "start_register"
	CommandStartEntry          CommandKind = "start_entrada"
	CommandStartExit           CommandKind = "start_saida"
	CommandGetHistory          CommandKind = "get_history"
	CommandGetInsideToday      CommandKind = "get_inside_today"
	CommandGetWeeklyAttendance CommandKind = "get_uid_week_days"
)

// Mode is the kind of card being registered.
type Mode string

const (
	ModeUnset    Mode = ""
	ModeParent   Mode = "parent"
	ModeEmployee Mode = "employee"
)

func (m Mode) Valid() bool {
	return m == ModeParent || m == ModeEmployee
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusWaiting Status = "waiting"
	StatusSuccess Status = "success"
	StatusExists  Status = "exists"
	StatusError   Status = "error"
)

type Step string

const (
	StepParent   Step = "parent"
	StepEmployee Step = "employee"
)

// Flow identifies one of the two gated confirmation flows.
type Flow string

const (
	FlowEntry Flow = ContextEntry
	FlowExit  Flow = ContextExit
)

// Command is the body published on the commands topic.
type Command struct {
	Cmd  CommandKind `json:"cmd"`
	Tipo Mode        `json:"tipo,omitempty"`
	UID  string      `json:"uid,omitempty"`
}

// StatusMessage is the raw body of the status topic. Event carries the
// legacy registration variant.
type StatusMessage struct {
	Context string   `json:"context"`
	Status  string   `json:"status,omitempty"`
	Event   string   `json:"event,omitempty"`
	Step    string   `json:"step,omitempty"`
	UID     string   `json:"uid,omitempty"`
	Dias    []string `json:"dias,omitempty"`
}

type MovementMessage struct {
	Funcionario string `json:"funcionario"`
	Usuario     string `json:"usuario"`
	Data        string `json:"data"`
	Hora        string `json:"hora"`
}

type InsideMessage struct {
	Context string       `json:"context"`
	Total   int          `json:"total"`
	Itens   []InsideItem `json:"itens"`
}

type InsideItem struct {
	UID   string `json:"uid"`
	Count int    `json:"count"`
}

// ParseDate parses a DD/MM/YYYY date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
}

// FormatDate renders t the way the device writes movement dates.
func FormatDate(t time.Time) string {
	return t.Format("02/01/2006")
}
