// Package duedate turns user input such as "tomorrow at 5pm" into the
// due_date and due_time fields of a task.
package duedate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/tasksync/tasksync/internal/mirror/schema"
)

// TimeLayout is the format of Task.DueTime.
const TimeLayout = "15:04"

var parser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// clockPattern spots an explicit time of day in the matched phrase.
var clockPattern = regexp.MustCompile(`(?i)\d{1,2}(:\d{2})?\s*(a\.?m\.?|p\.?m\.?)|\d{1,2}:\d{2}|noon|midnight`)

// Due is a parsed due date. Time is empty when the input named a day only.
type Due struct {
	Date string
	Time string
}

// Parse interprets input relative to now. ISO dates (2026-04-01) are taken
// as is; anything else goes through the natural-language parser. Empty
// input yields a zero Due.
func Parse(input string, now time.Time) (Due, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Due{}, nil
	}
	if d, err := time.ParseInLocation(schema.DateLayout, input, now.Location()); err == nil {
		return Due{Date: d.Format(schema.DateLayout)}, nil
	}

	r, err := parser.Parse(input, now)
	if err != nil {
		return Due{}, fmt.Errorf("failed to parse due date %q: %w", input, err)
	}
	if r == nil {
		return Due{}, fmt.Errorf("unrecognized due date %q", input)
	}

	due := Due{Date: r.Time.Format(schema.DateLayout)}
	if clockPattern.MatchString(r.Text) {
		due.Time = r.Time.Format(TimeLayout)
	}
	return due, nil
}
