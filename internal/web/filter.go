package web

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/gym-sniper/internal/portal"
)

// Filter narrows a class search. Empty fields match everything.
type Filter struct {
	Days    int
	Class   string
	Trainer string
	Time    string
}

func ParseFilter(q url.Values) Filter {
	f := Filter{
		Days:    defaultDays,
		Class:   strings.TrimSpace(q.Get("class")),
		Trainer: strings.TrimSpace(q.Get("trainer")),
		Time:    strings.TrimSpace(q.Get("time")),
	}
	if d, err := strconv.Atoi(q.Get("days")); err == nil && d > 0 {
		f.Days = min(d, maxDays)
	}
	return f
}

func (f Filter) Apply(classes []portal.ClassInstance, loc *time.Location) []portal.ClassInstance {
	if loc == nil {
		loc = time.Local
	}
	var out []portal.ClassInstance
	for _, c := range classes {
		if f.Class != "" && !containsFold(c.Name, f.Class) {
			continue
		}
		if f.Trainer != "" && !containsFold(c.Trainer, f.Trainer) {
			continue
		}
		if f.Time != "" && c.StartTime.In(loc).Format("15:04") != f.Time {
			continue
		}
		out = append(out, c)
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
