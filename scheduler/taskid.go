package scheduler

import (
	"fmt"
	"strings"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// taskIDSeparator marks the boundary between the app id prefix and the
// collision-resistant suffix in a generated task id.
const taskIDSeparator = "."

// newTaskID returns a task id whose prefix encodes appID, suitable for
// AppIDFromTaskID to recover.
func newTaskID(appID string) string {
	token, err := uuid.GenerateUUID()
	if err != nil {
		// uuid.GenerateUUID only fails if the system entropy source is
		// broken; fall back to a timestamp-based token rather than panic.
		token = fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return appID + taskIDSeparator + token
}

// AppIDFromTaskID extracts the app id encoded as the prefix of a task id.
func AppIDFromTaskID(taskID string) (string, bool) {
	idx := strings.LastIndex(taskID, taskIDSeparator)
	if idx <= 0 {
		return "", false
	}
	return taskID[:idx], true
}
