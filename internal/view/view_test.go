package view

import "testing"

func TestParseTab(t *testing.T) {
	tests := []struct {
		in      string
		want    Tab
		wantErr bool
	}{
		{"all", TabAll, false},
		{" Previous ", TabPrevious, false},
		{"TOP", TabTop, false},
		{"", "", true},
		{"recent", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTab(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTab(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTab(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelector(t *testing.T) {
	var s Selector
	if s.Current() != TabAll {
		t.Errorf("zero Selector = %q, want %q", s.Current(), TabAll)
	}
	if err := s.Select(TabTop); err != nil {
		t.Fatalf("Select(top) error = %v", err)
	}
	if s.Current() != TabTop {
		t.Errorf("Current() = %q, want top", s.Current())
	}
	if err := s.Select("bogus"); err == nil {
		t.Error("Select(bogus) should fail")
	}
	if s.Current() != TabTop {
		t.Errorf("invalid Select changed the tab to %q", s.Current())
	}
}

func TestAdminRequested(t *testing.T) {
	tests := []struct {
		flag, email string
		want        bool
	}{
		{"true", "", true},
		{"1", "player@test.com", true},
		{"", "admin@test.com", true},
		{"", "SiteAdmin@test.com", true},
		{"false", "player@test.com", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := AdminRequested(tt.flag, tt.email); got != tt.want {
			t.Errorf("AdminRequested(%q, %q) = %v, want %v", tt.flag, tt.email, got, tt.want)
		}
	}
}
