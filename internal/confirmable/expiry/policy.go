// Package expiry decides whether a confirmation token, or unconfirmed access, is still within its window.
package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a validity period that may be unbounded. The zero value is unbounded.
type Window struct {
	d       time.Duration
	bounded bool
}

// Unbounded returns a window that never expires.
func Unbounded() Window {
	return Window{}
}

// Within returns a window of d. Zero means "expire immediately"; negative values are treated as zero.
func Within(d time.Duration) Window {
	if d < 0 {
		d = 0
	}
	return Window{d: d, bounded: true}
}

// Bounded reports whether the window has a finite duration.
func (w Window) Bounded() bool {
	return w.bounded
}

// Duration returns the window length; meaningless when unbounded.
func (w Window) Duration() time.Duration {
	return w.d
}

func (w Window) String() string {
	if !w.bounded {
		return "unbounded"
	}
	return w.d.String()
}

// IsExpired reports whether a token issued at issuedAt has expired at now.
// Expired iff now > issuedAt + window (strict). A nil issuedAt never expires.
func (w Window) IsExpired(issuedAt *time.Time, now time.Time) bool {
	if !w.bounded || issuedAt == nil {
		return false
	}
	return now.After(issuedAt.Add(w.d))
}

// AllowsAccess reports whether unconfirmed access is still allowed at now for a
// token sent at sentAt: unbounded always allows, a nil sentAt never does, otherwise
// sentAt + window must be strictly after now.
func (w Window) AllowsAccess(sentAt *time.Time, now time.Time) bool {
	if !w.bounded {
		return true
	}
	if sentAt == nil {
		return false
	}
	return sentAt.Add(w.d).After(now)
}

// ParseWindow parses "", "unbounded" or "none" as Unbounded, otherwise a non-negative Go duration.
// A trailing "d" is accepted for whole days (e.g. "3d").
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "unbounded", "none", "nil":
		return Unbounded(), nil
	}
	var d time.Duration
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return Window{}, fmt.Errorf("expiry: invalid window %q", s)
		}
		d = time.Duration(days) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return Window{}, fmt.Errorf("expiry: invalid window %q: %w", s, err)
		}
	}
	if d < 0 {
		return Window{}, fmt.Errorf("expiry: negative window %q", s)
	}
	return Within(d), nil
}
