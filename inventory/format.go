package inventory

import (
	"fmt"
	"strings"
	"time"
)

// FormatCheck renders a check as plain text for staff notifications.
// Per-pool gaps above AdjustThresholdML are called out with their sign.
func FormatCheck(c *CheckRecord, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder

	label := "Morning"
	if c.CheckType == CheckEvening {
		label = "Evening"
	}
	who := c.PerformedByName
	if who == "" {
		who = c.PerformedBy
	}

	fmt.Fprintf(&b, "%s Controlled Substance Check - %s\n", label, c.Day)
	fmt.Fprintf(&b, "By: %s at %s\n", who, c.PerformedAt.In(loc).Format("3:04 PM"))
	fmt.Fprintf(&b, "Status: %s\n", c.Status)

	for _, p := range c.Pools {
		fmt.Fprintf(&b, "\n%s:\n", p.PoolName)
		fmt.Fprintf(&b, "  System: %d vials (%sml)\n", p.SystemVials, p.SystemML.StringFixed(1))
		fmt.Fprintf(&b, "  Physical: %d full + %sml partial = %sml\n",
			p.PhysicalFullVials, p.PhysicalPartialML.StringFixed(1), p.PhysicalML.StringFixed(1))
		if p.DiscrepancyML.Abs().GreaterThan(AdjustThresholdML) {
			sign := ""
			if p.DiscrepancyML.IsPositive() {
				sign = "+"
			}
			fmt.Fprintf(&b, "  Discrepancy: %s%sml\n", sign, p.DiscrepancyML.StringFixed(1))
		}
	}

	if c.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", c.Notes)
	}
	if c.DiscrepancyNotes != "" {
		fmt.Fprintf(&b, "Discrepancy Notes: %s\n", c.DiscrepancyNotes)
	}
	if c.ResolvedBy != "" {
		fmt.Fprintf(&b, "Resolved by %s: %s\n", c.ResolvedBy, c.ResolutionNotes)
	}
	return b.String()
}
