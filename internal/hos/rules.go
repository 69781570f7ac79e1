package hos

import (
	"fmt"

	"github.com/ukydev/fleet-compliance/internal/models"
)

// Rules holds the regulatory thresholds the fold applies. All values are in
// integer minutes.
type Rules struct {
	Name        string
	DriveLimit  models.Minutes
	ShiftWindow models.Minutes
	ShiftRest   models.Minutes
	CycleLimit  models.Minutes
	CycleDays   int
	Restart     models.Minutes
	BreakAfter  models.Minutes
	BreakLength models.Minutes

	SplitSleeper    bool
	SplitSleeperMin models.Minutes
	SplitOtherMin   models.Minutes
}

// US70Hour8Day is the US property-carrying ruleset with the 70-hour/8-day
// cycle.
var US70Hour8Day = Rules{
	Name:            "us-70-8",
	DriveLimit:      models.Hours(11),
	ShiftWindow:     models.Hours(14),
	ShiftRest:       models.Hours(10),
	CycleLimit:      models.Hours(70),
	CycleDays:       8,
	Restart:         models.Hours(34),
	BreakAfter:      models.Hours(8),
	BreakLength:     30,
	SplitSleeper:    true,
	SplitSleeperMin: models.Hours(7),
	SplitOtherMin:   models.Hours(2),
}

// US60Hour7Day differs from US70Hour8Day only in the cycle.
var US60Hour7Day = func() Rules {
	r := US70Hour8Day
	r.Name = "us-60-7"
	r.CycleLimit = models.Hours(60)
	r.CycleDays = 7
	return r
}()

// RulesFor returns the preset with the given name. An empty name selects
// US70Hour8Day.
func RulesFor(name string) (Rules, error) {
	switch name {
	case "", US70Hour8Day.Name:
		return US70Hour8Day, nil
	case US60Hour7Day.Name:
		return US60Hour7Day, nil
	default:
		return Rules{}, fmt.Errorf("unknown HOS ruleset %q", name)
	}
}

// Horizon is how far before asOf the fold reads: one full cycle window plus
// a restart, so a restart that ends at the window edge is still seen.
func (r Rules) Horizon() models.Minutes {
	return models.Minutes(r.CycleDays)*models.Hours(24) + r.Restart
}
