package kondo

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleReport = `{"findings":[
 {"type":"syntax","filename":"<stdin>","row":1,"col":1,"end-row":1,"end-col":2,"level":"error","message":"Found an opening ( with no matching )"},
 {"type":"unused-binding","filename":"<stdin>","row":2,"col":7,"level":"warning","message":"unused binding x"}
],"summary":{"error":1,"warning":1,"info":0,"type":"summary","duration":12}}`

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantValid bool
		wantCount int
		wantErr   bool
	}{
		{"errors and warnings", sampleReport, false, 2, false},
		{"warnings only", `{"findings":[{"level":"warning","message":"unused","row":1,"col":1}]}`, true, 1, false},
		{"clean", `{"findings":[],"summary":{"error":0}}`, true, 0, false},
		{"not json", `linting took 3ms`, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if v.Valid != tt.wantValid || len(v.Findings) != tt.wantCount {
				t.Errorf("Parse() = valid %v with %d findings", v.Valid, len(v.Findings))
			}
		})
	}

	v, _ := Parse([]byte(sampleReport))
	first := v.Findings[0]
	if first.Level != "error" || first.Row != 1 || first.Col != 1 || !strings.Contains(first.Message, "opening (") {
		t.Errorf("first finding = %+v", first)
	}
	if errs := v.Errors(); len(errs) != 1 {
		t.Errorf("Errors() = %d, want 1", len(errs))
	}
}

// fakeKondo writes a shell script standing in for clj-kondo.
func fakeKondo(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clj-kondo")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestValidate_Disabled(t *testing.T) {
	v, err := New(Config{Enabled: false}).Validate(t.Context(), "(+ 1")
	if err != nil || !v.Skipped || !v.Valid {
		t.Errorf("disabled linter = %+v, %v", v, err)
	}
}

func TestValidate_FindingsWithNonZeroExit(t *testing.T) {
	report := strings.ReplaceAll(sampleReport, "\n", "")
	path := fakeKondo(t, "cat >/dev/null\necho '"+report+"'\nexit 3")

	v, err := New(Config{Enabled: true, Path: path, Logger: quiet()}).Validate(t.Context(), "(+ 1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid || len(v.Findings) != 2 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestValidate_PassesArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	path := fakeKondo(t, `echo "$@" > `+out+`
cat > `+out+`.stdin
echo '{"findings":[]}'`)

	v, err := New(Config{Enabled: true, Path: path, Lang: "cljc", Logger: quiet()}).Validate(t.Context(), "(+ 1 1)")
	if err != nil || !v.Valid {
		t.Fatalf("Validate = %+v, %v", v, err)
	}
	args, _ := os.ReadFile(out)
	if got := strings.TrimSpace(string(args)); got != "--lint - --lang cljc --config {:output {:format :json}}" {
		t.Errorf("args = %q", got)
	}
	stdin, _ := os.ReadFile(out + ".stdin")
	if string(stdin) != "(+ 1 1)" {
		t.Errorf("stdin = %q", stdin)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing binary", Config{Enabled: true, Path: filepath.Join(t.TempDir(), "nope")}},
		{"crash without output", Config{Enabled: true, Path: fakeKondo(t, "echo boom >&2\nexit 1")}},
		{"timeout", Config{Enabled: true, Path: fakeKondo(t, "exec sleep 5"), Timeout: 50 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = quiet()
			if _, err := New(tt.cfg).Validate(t.Context(), "1"); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
