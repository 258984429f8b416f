package identity

import (
	"errors"
	"testing"
)

func TestIsJID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "user", in: "6281234567890@s.whatsapp.net", want: true},
		{name: "group", in: "120363041234567890@g.us", want: true},
		{name: "broadcast", in: "1234567890@broadcast", want: true},
		{name: "status broadcast", in: "status@broadcast", want: true},
		{name: "bare phone", in: "+62 812-3456-7890", want: false},
		{name: "empty", in: "", want: false},
		{name: "suffix only", in: "@s.whatsapp.net", want: false},
		{name: "double at", in: "a@b@s.whatsapp.net", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsJID(tt.in); got != tt.want {
				t.Fatalf("IsJID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	r := New("ID")

	tests := []struct {
		name    string
		raw     string
		region  string
		wantJID string
	}{
		{name: "international", raw: "+6281234567890", wantJID: "6281234567890@s.whatsapp.net"},
		{name: "national with default region", raw: "081234567890", wantJID: "6281234567890@s.whatsapp.net"},
		{name: "region hint overrides default", raw: "07911123456", region: "GB", wantJID: "447911123456@s.whatsapp.net"},
		{name: "formatted input", raw: "+62 812-3456-7890", wantJID: "6281234567890@s.whatsapp.net"},
		{name: "already a jid", raw: "6281234567890@s.whatsapp.net", wantJID: "6281234567890@s.whatsapp.net"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.raw, tt.region)
			if err != nil {
				t.Fatalf("Resolve(%q, %q) error: %v", tt.raw, tt.region, err)
			}
			if got.JID != tt.wantJID {
				t.Fatalf("JID = %s, want %s", got.JID, tt.wantJID)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()
	r := New("ID")
	a, err := r.Resolve("081234567890", "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve("081234567890", "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("resolution not deterministic: %+v vs %+v", a, b)
	}
}

func TestResolveInvalid(t *testing.T) {
	t.Parallel()
	r := New("ID")
	for _, raw := range []string{"", "not-a-number", "++12"} {
		if _, err := r.Resolve(raw, ""); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("Resolve(%q) error = %v, want ErrInvalidAddress", raw, err)
		}
	}
}
