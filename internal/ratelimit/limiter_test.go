package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterRejectsAfterBurst(t *testing.T) {
	l := New(Config{Burst: 2, Count: 2, Interval: time.Minute})
	if !l.Allow() {
		t.Fatal("first token should be admitted")
	}
	if !l.Allow() {
		t.Fatal("second token should be admitted")
	}
	if l.Allow() {
		t.Fatal("third token should be rejected immediately, not queued")
	}
}

func TestLimiterNilWhenUnconfigured(t *testing.T) {
	l := New(Config{})
	if l != nil {
		t.Fatal("expected nil limiter for zero config")
	}
	if !l.Allow() {
		t.Fatal("nil limiter must admit everything")
	}
}
