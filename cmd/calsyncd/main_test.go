package main

import (
	"testing"
	"time"
)

func TestIntEnv(t *testing.T) {
	t.Setenv("CALSYNC_TEST_INT", "12")
	if got := intEnv("CALSYNC_TEST_INT", 4); got != 12 {
		t.Fatalf("intEnv = %d, want 12", got)
	}
	t.Setenv("CALSYNC_TEST_INT", "not-a-number")
	if got := intEnv("CALSYNC_TEST_INT", 4); got != 4 {
		t.Fatalf("intEnv with invalid value = %d, want fallback 4", got)
	}
	if got := intEnv("CALSYNC_TEST_INT_UNSET", 7); got != 7 {
		t.Fatalf("intEnv unset = %d, want fallback 7", got)
	}
}

func TestInt64Env(t *testing.T) {
	t.Setenv("CALSYNC_TEST_INT64", "1048576")
	if got := int64Env("CALSYNC_TEST_INT64", 0); got != 1048576 {
		t.Fatalf("int64Env = %d, want 1048576", got)
	}
	t.Setenv("CALSYNC_TEST_INT64", "one megabyte")
	if got := int64Env("CALSYNC_TEST_INT64", 64); got != 64 {
		t.Fatalf("int64Env with invalid value = %d, want fallback 64", got)
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("CALSYNC_TEST_DURATION", "90s")
	if got := durationEnv("CALSYNC_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("durationEnv = %v, want 90s", got)
	}
	t.Setenv("CALSYNC_TEST_DURATION", "soon")
	if got := durationEnv("CALSYNC_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("durationEnv with invalid value = %v, want fallback 1m", got)
	}
	if got := durationEnv("CALSYNC_TEST_DURATION_UNSET", 6*time.Hour); got != 6*time.Hour {
		t.Fatalf("durationEnv unset = %v, want fallback 6h", got)
	}
}
