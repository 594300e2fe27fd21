package proxy

import (
	"errors"
	"testing"
)

func mustRoute(t *testing.T, name, prefix, raw string) Route {
	t.Helper()
	r, err := ParseRoute(name, prefix, raw)
	if err != nil {
		t.Fatalf("ParseRoute(%s): %v", name, err)
	}
	return r
}

func TestTable_Match(t *testing.T) {
	table, err := NewTable(
		mustRoute(t, "excel_service", "/excel", "http://excel:8003"),
		mustRoute(t, "excel_batch", "/excel/batch", "http://batch:9000/v1/"),
		mustRoute(t, "pdf_service", "pdf/", "http://pdf:8004"),
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	tests := []struct {
		path       string
		wantName   string
		wantSuffix string
		wantOK     bool
	}{
		{"/excel/foo", "excel_service", "/foo", true},
		{"/excel", "excel_service", "/", true},
		{"/excel/", "excel_service", "/", true},
		{"/excel/batch/run", "excel_batch", "/run", true},
		{"/excel/batchy", "excel_service", "/batchy", true},
		{"/pdf/a/b", "pdf_service", "/a/b", true},
		{"/excelsior", "", "", false},
		{"/auth/login", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, suffix, ok := table.Match(tt.path)
			if ok != tt.wantOK || r.Name != tt.wantName || suffix != tt.wantSuffix {
				t.Fatalf("Match(%q)=(%s,%q,%v), want (%s,%q,%v)", tt.path, r.Name, suffix, ok, tt.wantName, tt.wantSuffix, tt.wantOK)
			}
		})
	}
}

func TestParseRoute_Rejects(t *testing.T) {
	cases := map[string][2]string{
		"empty prefix": {"/", "http://x"},
		"relative url": {"/x", "excel:8003"},
		"bad scheme":   {"/x", "ftp://x"},
		"missing host": {"/x", "http://"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRoute("svc", c[0], c[1]); !errors.Is(err, ErrInvalidRoute) {
				t.Fatalf("expected ErrInvalidRoute, got %v", err)
			}
		})
	}
}

func TestNewTable_DuplicatePrefix(t *testing.T) {
	_, err := NewTable(
		mustRoute(t, "a", "/x", "http://a"),
		mustRoute(t, "b", "/x/", "http://b"),
	)
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected duplicate prefix error, got %v", err)
	}
}
