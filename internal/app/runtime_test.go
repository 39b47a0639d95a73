package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInTestModeFollowsEnvironment(t *testing.T) {
	for value, want := range map[string]bool{
		"1":     true,
		"true":  true,
		"TRUE":  true,
		"0":     false,
		"false": false,
		"":      false,
		"yes":   false,
	} {
		t.Setenv(TestModeEnv, value)
		require.Equal(t, want, InTestMode(), "CLINIC_TEST_MODE=%q", value)
	}
}
