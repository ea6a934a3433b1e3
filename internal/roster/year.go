package roster

import (
	"fmt"
	"time"
)

// AcademicYear derives the current academic year label from t.
//
// The school year turns over in May: May..December of year Y map to
// "Y-(Y+1)", January..April map to "(Y-1)-Y".
func AcademicYear(t time.Time) string {
	y := t.Year()
	if t.Month() >= time.May {
		return fmt.Sprintf("%d-%d", y, y+1)
	}
	return fmt.Sprintf("%d-%d", y-1, y)
}
