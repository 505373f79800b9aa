package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hostfleet/updatehound/pkg/config"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/hostfleet/updatehound/pkg/weekly"
	"github.com/karlseguin/ccache/v3"
	"github.com/pkg/errors"
)

// LabelPeriodic names the periodic strategy.
const LabelPeriodic = "periodic"

// ReasonOutsideWindow denies finalization outside every maintenance window.
const ReasonOutsideWindow = "outside_window"

const (
	localtimePath = "/etc/localtime"
	zoneinfoRoot  = "/usr/share/zoneinfo"
)

// zoneCache holds parsed time-zone rules; zone files are OS-level I/O and
// their parsed form is reused across ticks.
var zoneCache = ccache.New(ccache.Configure[*time.Location]().MaxSize(32))

// Periodic allows finalization only inside weekly maintenance windows,
// evaluated in a single configured time zone.
type Periodic struct {
	log      logging.Logger
	calendar *weekly.Calendar
	location *time.Location
	tzName   string
}

func newPeriodic(log logging.Logger, cfg config.PeriodicInput) (*Periodic, error) {
	var windows []weekly.Window
	for _, entry := range cfg.Windows {
		day, err := weekly.ParseDay(entry.Day)
		if err != nil {
			return nil, err
		}
		hour, minute, err := weekly.ParseClock(entry.StartTime)
		if err != nil {
			return nil, err
		}
		wins, err := weekly.ParseTimespan(day, hour, minute, entry.LengthMinutes)
		if err != nil {
			return nil, err
		}
		windows = append(windows, wins...)
	}

	calendar := weekly.NewCalendar(windows)
	if calendar.IsEmpty() {
		return nil, errors.New("invalid or missing periodic updates configuration: weekly calendar length is zero")
	}

	location, tzName, err := resolveTimeZone(cfg.TimeZone)
	if err != nil {
		return nil, err
	}

	log.WithField("time_zone", tzName).
		Infof("periodic updates, total schedule length %d minutes", calendar.LengthMinutes())

	return &Periodic{
		log:      log,
		calendar: calendar,
		location: location,
		tzName:   tzName,
	}, nil
}

func (s *Periodic) Label() string {
	return LabelPeriodic
}

func (s *Periodic) ReportSteady(ctx context.Context) error {
	return nil
}

func (s *Periodic) CanFinalize(ctx context.Context) Decision {
	return s.canFinalizeAt(time.Now())
}

func (s *Periodic) canFinalizeAt(now time.Time) Decision {
	m := weekly.MinuteOfWeek(now.In(s.location))
	if s.calendar.Contains(m) {
		return Allow
	}

	remaining, ok := s.calendar.Remaining(m)
	if !ok {
		// Calendar emptiness is rejected at construction.
		return Deny(ReasonOutsideWindow, 0)
	}
	return Deny(ReasonOutsideWindow, remaining)
}

// CalendarSummary describes the schedule in human terms.
func (s *Periodic) CalendarSummary() string {
	m := weekly.MinuteOfWeek(time.Now().In(s.location))
	next, ok := s.calendar.NextStartAfter(m)
	if s.calendar.Contains(m) || !ok {
		return fmt.Sprintf("total schedule length %d minutes", s.calendar.LengthMinutes())
	}
	return fmt.Sprintf(
		"total schedule length %d minutes; next window at %s (%s), subject to time zone caveats",
		s.calendar.LengthMinutes(), weekly.FormatMinute(next), s.tzName,
	)
}

// resolveTimeZone maps a configured zone name to parsed rules. "localtime"
// resolves through the host's /etc/localtime symlink, falling back to UTC
// when the symlink is absent.
func resolveTimeZone(name string) (*time.Location, string, error) {
	if name == "" {
		name = "UTC"
	}
	if name == "localtime" {
		target, err := os.Readlink(localtimePath)
		if err != nil {
			return time.UTC, "UTC", nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(localtimePath), target)
		}
		rel, err := filepath.Rel(zoneinfoRoot, filepath.Clean(target))
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, "", errors.Errorf("%q does not link into %q", localtimePath, zoneinfoRoot)
		}
		name = rel
	}

	item, err := zoneCache.Fetch(name, 24*time.Hour, func() (*time.Location, error) {
		return time.LoadLocation(name)
	})
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to parse time zone named %q", name)
	}
	return item.Value(), name, nil
}
