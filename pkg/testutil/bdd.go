package testutil

import "testing"

func phase(t *testing.T, keyword, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return t.Run(keyword+" "+desc, fn)
}

// Given, When and Then name subtests after the scenario phase they cover.
func Given(t *testing.T, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return phase(t, "Given", desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return phase(t, "When", desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) bool {
	t.Helper()
	return phase(t, "Then", desc, fn)
}
