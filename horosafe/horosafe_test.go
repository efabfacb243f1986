package horosafe

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://cdn.shopify.com/s/files/a.jpg", false},
		{"http://93.184.216.34/img.png", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"file:///etc/passwd", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://[::1]/api", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"https:///nohost.jpg", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"100.64.1.1", true},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"::1", true},
	}
	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}

func TestImageFile(t *testing.T) {
	root := t.TempDir()
	img := filepath.Join(root, "Maxi_Dress.jpg")
	if err := os.WriteFile(img, []byte{0xff, 0xd8}, 0o644); err != nil {
		t.Fatal(err)
	}
	txt := filepath.Join(root, "notes.txt")
	os.WriteFile(txt, []byte("x"), 0o644)

	if got, err := ImageFile(img); err != nil || got != img {
		t.Errorf("existing image: %q, %v", got, err)
	}
	if _, err := ImageFile(img, root); err != nil {
		t.Errorf("image under root: %v", err)
	}
	if _, err := ImageFile(img, t.TempDir()); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("image outside root: got %v", err)
	}
	if _, err := ImageFile(filepath.Join(root, "missing.jpg")); !errors.Is(err, ErrNotImage) {
		t.Errorf("missing file: got %v", err)
	}
	if _, err := ImageFile(txt); !errors.Is(err, ErrNotImage) {
		t.Errorf("wrong extension: got %v", err)
	}
	if _, err := ImageFile(""); !errors.Is(err, ErrNotImage) {
		t.Errorf("empty path: got %v", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil || len(got) != 100 {
		t.Fatalf("got %d bytes, %v", len(got), err)
	}
	if _, err := LimitedReadAll(strings.NewReader(data), 50); err == nil {
		t.Fatal("expected error for oversized read")
	}
}
