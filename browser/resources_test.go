package browser

import "testing"

func TestShouldBlock(t *testing.T) {
	set := map[string]bool{"fonts": true, "media": true, "images": true, "xhr": true}
	cases := []struct {
		typ  string
		want bool
	}{
		{"Font", true},
		{"Media", true},
		{"Image", false}, // product cards need their images requested
		{"Stylesheet", false},
		{"XHR", true},
		{"Document", false},
	}
	for _, tc := range cases {
		if got := shouldBlock(set, tc.typ); got != tc.want {
			t.Errorf("shouldBlock(%q): got %v, want %v", tc.typ, got, tc.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.Headless == nil || !*c.Headless {
		t.Error("Headless should default to true")
	}
	if c.NavigateTimeout <= 0 || c.ActionTimeout <= 0 || c.ScrollStep <= 0 || c.ScrollPause <= 0 {
		t.Errorf("timeouts not defaulted: %+v", c)
	}
	if c.Logger == nil {
		t.Error("Logger should default")
	}
}

func TestManager_ClosedRefusesSessions(t *testing.T) {
	m := NewManager(Config{Remote: "ws://127.0.0.1:1/devtools/browser/x"})
	m.Close()
	if _, err := m.NewSession(t.Context()); err == nil {
		t.Fatal("expected error from closed manager")
	}
}
