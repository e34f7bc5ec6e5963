package screen

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/pkg/model"
)

const (
	InsideFromDevice   = "device"
	InsideFromEstimate = "estimate"
)

var weekdayLabels = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

type WeekdayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

type DashboardState struct {
	Movements []model.Movement `json:"movements"`
	// Weekdays counts this month's movements per weekday, Sunday first.
	Weekdays     []WeekdayCount     `json:"weekdays"`
	Inside       []model.InsideItem `json:"inside"`
	InsideTotal  int                `json:"insideTotal"`
	InsideSource string             `json:"insideSource"`
	Subject      string             `json:"subject,omitempty"`
	WeekDays     []string           `json:"weekDays"`
}

type DashboardOption func(*Dashboard)

// WithClock sets the clock used for the current month and day.
func WithClock(now func() time.Time) DashboardOption {
	return func(d *Dashboard) {
		d.now = now
	}
}

// Dashboard keeps the movement log of the mount and what the device reports
// about who is inside. The device's inside list, once received, replaces the
// parity estimate for the rest of the mount.
type Dashboard struct {
	notifier
	cmd Commander
	now func() time.Time

	mu          sync.Mutex
	log         []model.Movement
	inside      []model.InsideItem
	insideTotal int
	fromDevice  bool
	subject     string
	weekDays    []string
}

func NewDashboard(cmd Commander, opts ...DashboardOption) *Dashboard {
	d := &Dashboard{cmd: cmd, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dashboard) Name() string {
	return NameDashboard
}

func (d *Dashboard) Topics(t model.Topics) []string {
	return []string{t.Movements, t.Inside, t.Status}
}

// Connected asks for the history replay on the first connect of the mount
// only, since the log keeps every record it receives. The inside list and
// the selected subject's week are asked again on every connect.
func (d *Dashboard) Connected(first bool) {
	if first {
		_ = d.cmd.Emit(model.CommandGetHistory, command.Params{})
	}
	_ = d.Refresh()
}

// Refresh asks the device for today's inside list and, when a subject is
// selected, its weekly attendance.
func (d *Dashboard) Refresh() error {
	if err := d.cmd.Emit(model.CommandGetInsideToday, command.Params{}); err != nil {
		return err
	}
	d.mu.Lock()
	subject := d.subject
	d.mu.Unlock()
	if subject == "" {
		return nil
	}
	return d.cmd.Emit(model.CommandGetWeeklyAttendance, command.Params{UID: subject})
}

// SelectSubject makes uid the subject of the weekly attendance view and
// requests its week from the device.
func (d *Dashboard) SelectSubject(uid string) error {
	if uid == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalidSubject)
	}

	d.mu.Lock()
	d.subject = uid
	d.weekDays = nil
	d.mu.Unlock()
	d.notify()

	return d.cmd.Emit(model.CommandGetWeeklyAttendance, command.Params{UID: uid})
}

func (d *Dashboard) Apply(ev model.Event) bool {
	d.mu.Lock()
	switch e := ev.(type) {
	case model.Movement:
		d.log = append(d.log, e)
	case model.InsideList:
		d.inside = append([]model.InsideItem{}, e.Items...)
		d.insideTotal = e.Total
		d.fromDevice = true
	case model.WeekDays:
		// a reply without uid is for the current subject; one naming another
		// subject answers an earlier selection
		if d.subject == "" || (e.UID != "" && !strings.EqualFold(e.UID, d.subject)) {
			d.mu.Unlock()
			return false
		}
		d.weekDays = append([]string{}, e.Days...)
	default:
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	d.notify()
	return true
}

func (d *Dashboard) Reset() {
	d.mu.Lock()
	d.log = nil
	d.inside = nil
	d.insideTotal = 0
	d.fromDevice = false
	d.subject = ""
	d.weekDays = nil
	d.mu.Unlock()
	d.notify()
}

// State derives the aggregates from the full log.
func (d *Dashboard) State() DashboardState {
	now := d.now()

	d.mu.Lock()
	s := DashboardState{
		Movements: append([]model.Movement{}, d.log...),
		Subject:   d.subject,
		WeekDays:  append([]string{}, d.weekDays...),
	}
	fromDevice := d.fromDevice
	inside := append([]model.InsideItem{}, d.inside...)
	total := d.insideTotal
	d.mu.Unlock()

	s.Weekdays = WeekdayCounts(s.Movements, now)
	if fromDevice {
		s.Inside = inside
		s.InsideTotal = total
		s.InsideSource = InsideFromDevice
	} else {
		s.Inside = EstimateInside(s.Movements, now)
		s.InsideTotal = len(s.Inside)
		s.InsideSource = InsideFromEstimate
	}
	return s
}

func (d *Dashboard) Snapshot() any {
	return d.State()
}

// WeekdayCounts counts the movements dated in now's month and year per
// weekday. Records with unparsable dates are skipped.
func WeekdayCounts(log []model.Movement, now time.Time) []WeekdayCount {
	var counts [7]int
	for _, m := range log {
		date, err := model.ParseDate(m.Date, now.Location())
		if err != nil {
			continue
		}
		if date.Year() != now.Year() || date.Month() != now.Month() {
			continue
		}
		counts[date.Weekday()]++
	}

	out := make([]WeekdayCount, len(weekdayLabels))
	for i, label := range weekdayLabels {
		out[i] = WeekdayCount{Day: label, Count: counts[i]}
	}
	return out
}

// EstimateInside lists the subjects with an odd number of movements dated
// today, in order of first appearance.
func EstimateInside(log []model.Movement, now time.Time) []model.InsideItem {
	y, mo, day := now.Date()
	counts := make(map[string]int)
	var order []string
	for _, m := range log {
		date, err := model.ParseDate(m.Date, now.Location())
		if err != nil {
			continue
		}
		if dy, dm, dd := date.Date(); dy != y || dm != mo || dd != day {
			continue
		}
		if _, seen := counts[m.SubjectID]; !seen {
			order = append(order, m.SubjectID)
		}
		counts[m.SubjectID]++
	}

	inside := []model.InsideItem{}
	for _, uid := range order {
		if counts[uid]%2 == 1 {
			inside = append(inside, model.InsideItem{UID: uid, Count: counts[uid]})
		}
	}
	return inside
}
