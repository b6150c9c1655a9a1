package scheduler

import (
	"fmt"
	"strings"

	"github.com/3leaps/genimpute/pkg/region"
)

const badgesPerRow = 6

// BadgeClass returns the CSS class of a state badge.
func BadgeClass(s JobState) string {
	switch s {
	case Succeeded:
		return "badge badge-success"
	case Running:
		return "badge badge-info"
	case Failed:
		return "badge badge-important"
	}
	return "badge"
}

// RenderHTML renders states as rows of badges followed by a legend.
func RenderHTML(states []RegionState) string {
	var b strings.Builder
	for i, st := range states {
		fmt.Fprintf(&b, `<span class="%s" style="width: 40px">Chr %s</span>`, BadgeClass(st.State), region.DisplayLabel(st.Region))
		if (i+1)%badgesPerRow == 0 {
			b.WriteString("<br>")
		}
	}
	b.WriteString("<br><br>")
	b.WriteString(`<span class="badge" style="width: 8px">&nbsp;</span> Waiting<br>`)
	b.WriteString(`<span class="badge badge-info" style="width: 8px">&nbsp;</span> Running<br>`)
	b.WriteString(`<span class="badge badge-success" style="width: 8px">&nbsp;</span> Complete<br>`)
	b.WriteString(`<span class="badge badge-important" style="width: 8px">&nbsp;</span> Failed`)
	return b.String()
}

// RenderText renders one summary line per region.
func RenderText(states []RegionState) string {
	var b strings.Builder
	b.WriteString("Summary:\n")
	for _, st := range states {
		tag := "[??]  "
		switch st.State {
		case Succeeded:
			tag = "[OK]  "
		case Failed:
			tag = "[FAIL]"
		case Running:
			tag = "[RUN] "
		case Waiting:
			tag = "[WAIT]"
		}
		jobID := st.JobID
		if jobID == "" {
			jobID = "-"
		}
		fmt.Fprintf(&b, "  %s Chr %s (%s)\n", tag, st.Region, jobID)
	}
	return b.String()
}

// Counts tallies states.
type Counts struct {
	Waiting   int `json:"waiting"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of jobs counted.
func (c Counts) Total() int {
	return c.Waiting + c.Running + c.Succeeded + c.Failed
}

// CountStates tallies states by JobState.
func CountStates(states []RegionState) Counts {
	var c Counts
	for _, st := range states {
		switch st.State {
		case Waiting:
			c.Waiting++
		case Running:
			c.Running++
		case Succeeded:
			c.Succeeded++
		case Failed:
			c.Failed++
		}
	}
	return c
}
