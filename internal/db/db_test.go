package db

import (
	"strings"
	"testing"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "without password",
			cfg:  Config{Host: "localhost", Port: 5432, User: "courier", Database: "courier", SSLMode: "disable"},
			want: "host=localhost port=5432 user=courier dbname=courier sslmode=disable",
		},
		{
			name: "with password",
			cfg:  Config{Host: "db", Port: 6543, User: "app", Password: "secret", Database: "courier", SSLMode: "require"},
			want: "host=db port=6543 user=app password=secret dbname=courier sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLikePrefix(t *testing.T) {
	tests := map[string]string{
		"history:abc:":  "history:abc:%",
		"ratelimit:u_1": `ratelimit:u\_1%`,
		"100%":          `100\%%`,
		`a\b`:           `a\\b%`,
		"":              "%",
	}
	for in, want := range tests {
		if got := likePrefix(in); got != want {
			t.Errorf("likePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUpMigrations_EmbeddedInOrder(t *testing.T) {
	names, err := UpMigrations()
	if err != nil {
		t.Fatalf("UpMigrations failed: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("expected at least 2 migrations, got %v", names)
	}
	for i, n := range names {
		if !strings.HasSuffix(n, ".up.sql") {
			t.Errorf("unexpected migration %s", n)
		}
		if i > 0 && names[i-1] >= n {
			t.Errorf("migrations out of order: %s before %s", names[i-1], n)
		}
	}

	contents, err := migrationFS.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read first migration: %v", err)
	}
	if !strings.Contains(string(contents), "courier_kv") {
		t.Error("first migration should create courier_kv")
	}
}
