package domain

import "fmt"

func errOverlappingGroups(a, b string) error {
	return fmt.Errorf("tracker config: group %q overlaps group %q", a, b)
}

func errNonMonotonicStop(group string) error {
	return fmt.Errorf("tracker config: group %q has non-monotonic step.stop", group)
}

func errNonAscendingPnl(group string) error {
	return fmt.Errorf("tracker config: group %q steps are not sorted ascending by pnl", group)
}
