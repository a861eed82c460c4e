// Package view tracks which round list the UI shows and whether admin
// controls are visible.
package view

import (
	"fmt"
	"strings"
	"sync"
)

type Tab string

const (
	TabAll      Tab = "all"
	TabPrevious Tab = "previous"
	TabTop      Tab = "top"
)

var tabs = []Tab{TabAll, TabPrevious, TabTop}

// Tabs lists the selectable tabs in display order.
func Tabs() []Tab {
	return append([]Tab(nil), tabs...)
}

func (t Tab) Valid() bool {
	for _, v := range tabs {
		if t == v {
			return true
		}
	}
	return false
}

func ParseTab(s string) (Tab, error) {
	t := Tab(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tab %q", s)
	}
	return t, nil
}

// Selector holds the current tab. The zero value shows TabAll.
type Selector struct {
	mu  sync.RWMutex
	tab Tab
}

func (s *Selector) Current() Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tab == "" {
		return TabAll
	}
	return s.tab
}

// Select replaces the selection. Invalid tabs leave it unchanged.
func (s *Selector) Select(t Tab) error {
	if !t.Valid() {
		return fmt.Errorf("unknown tab %q", t)
	}
	s.mu.Lock()
	s.tab = t
	s.mu.Unlock()
	return nil
}

// AdminRequested decides whether admin controls are shown. This is a display
// switch only: anyone can pass admin=true, so it grants nothing.
func AdminRequested(adminFlag, email string) bool {
	if v := strings.ToLower(strings.TrimSpace(adminFlag)); v == "true" || v == "1" {
		return true
	}
	return strings.Contains(strings.ToLower(email), "admin")
}
