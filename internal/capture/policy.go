package capture

// DefaultPlaceholders stand in for an answer when the engine heard nothing.
var DefaultPlaceholders = []string{
	"No spoken answer was captured for this question.",
	"The recording finished without any recognizable speech.",
	"The candidate did not provide a verbal response to this question.",
	"Speech recognition returned no text for this answer.",
}

// Placeholder picks the substitute transcript for questionIndex. The choice
// depends only on the index.
func Placeholder(placeholders []string, questionIndex int) string {
	if len(placeholders) == 0 {
		placeholders = DefaultPlaceholders
	}
	i := questionIndex % len(placeholders)
	if i < 0 {
		i += len(placeholders)
	}
	return placeholders[i]
}

// RestartPolicy bounds automatic engine restarts. Only consecutive restarts
// without any recognized result in between count against the budget.
type RestartPolicy struct {
	MaxRestarts int
	consecutive int
	total       int
}

// Allow records an engine end and reports whether another start is allowed.
func (p *RestartPolicy) Allow() bool {
	if p.consecutive >= p.MaxRestarts {
		return false
	}
	p.consecutive++
	p.total++
	return true
}

// Progress is called when the engine delivered a result.
func (p *RestartPolicy) Progress() {
	p.consecutive = 0
}

// Total returns the number of restarts granted so far.
func (p *RestartPolicy) Total() int {
	return p.total
}

func (p *RestartPolicy) reset() {
	p.consecutive = 0
	p.total = 0
}
