package app

import (
	"os"
	"strconv"
)

// TestModeEnv makes the clinic and worker binaries exit right after start, so
// test harnesses can build and invoke them without Postgres or Redis.
const TestModeEnv = "CLINIC_TEST_MODE"

// InTestMode reports whether CLINIC_TEST_MODE holds a true boolean
// ("1", "true", "TRUE", ...). Unparsable values count as false.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
