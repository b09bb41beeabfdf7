package main

import (
	"fmt"
	"time"

	"github.com/objectfs/datacache/internal/scheduler"
)

type scheduleCmd struct {
	Spec string `arg:"" help:"Schedule, either \"m h dom mon dow\" or \"+N\""`

	From  string        `help:"Window start, RFC3339. Defaults to now"`
	For   time.Duration `default:"24h" help:"Window length"`
	Limit int           `default:"20" help:"Maximum number of firings to print"`
}

func (cmd *scheduleCmd) Run(opts *globalOptions) error {
	from := time.Now()
	if cmd.From != "" {
		t, err := time.Parse(time.RFC3339, cmd.From)
		if err != nil {
			return fmt.Errorf("invalid --from %q: %w", cmd.From, err)
		}
		from = t
	}
	if cmd.For <= 0 {
		return fmt.Errorf("--for must be positive")
	}

	sched, err := scheduler.ParseSchedule(cmd.Spec, from)
	if err != nil {
		return err
	}

	fired := firings(sched, from, from.Add(cmd.For), cmd.Limit)
	opts.printf("schedule %q fires %d time(s) in (%s, %s]\n",
		sched.String(), len(fired), from.Format(time.RFC3339), from.Add(cmd.For).Format(time.RFC3339))
	for _, t := range fired {
		opts.printf("  %s\n", t.Format("2006-01-02 15:04 Mon"))
	}
	return nil
}

// firings returns the minutes in (from, to] the schedule matches, at most
// limit of them. A limit of zero or less means no limit.
func firings(s *scheduler.Schedule, from, to time.Time, limit int) []time.Time {
	var out []time.Time
	prev := from
	for t := from.Truncate(time.Minute).Add(time.Minute); !t.After(to); t = t.Add(time.Minute) {
		if s.Matches(prev, t) {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		prev = t
	}
	return out
}
