package env

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildPrependsPath(t *testing.T) {
	base := []string{"PATH=/usr/bin:/bin", "HOME=/home/u"}
	got := Build(base, "/usr/lib/postgresql/16/bin", nil)

	var path string
	for _, kv := range got {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if !strings.HasPrefix(path, "/usr/lib/postgresql/16/bin:") {
		t.Fatalf("bin dir not prepended: %q", path)
	}
	if !strings.HasSuffix(path, "/usr/bin:/bin") {
		t.Fatalf("original PATH lost: %q", path)
	}
}

func TestBuildDoesNotMutateBase(t *testing.T) {
	base := []string{"PATH=/bin", "LANG=C"}
	orig := append([]string(nil), base...)
	_ = Build(base, "/opt/pg/bin", map[string]string{"PGDATA": "/var/tmp/pg"})
	if !reflect.DeepEqual(base, orig) {
		t.Fatalf("base mutated: %v", base)
	}
}

func TestBuildSetsExtraAndIsDeterministic(t *testing.T) {
	base := []string{"PATH=/bin"}
	extra := map[string]string{"PGDATA": "/data", "PGHOST": "/run/pg"}
	a := Build(base, "/opt/pg/bin", extra)
	b := Build(base, "/opt/pg/bin", extra)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Build not deterministic: %v vs %v", a, b)
	}
	joined := strings.Join(a, "\n")
	if !strings.Contains(joined, "PGDATA=/data") || !strings.Contains(joined, "PGHOST=/run/pg") {
		t.Fatalf("extra vars missing: %v", a)
	}
}

func TestBuildWithoutPathInBase(t *testing.T) {
	got := Build([]string{"HOME=/h"}, "/opt/pg/bin", nil)
	found := false
	for _, kv := range got {
		if kv == "PATH=/opt/pg/bin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PATH created from bin dir, got %v", got)
	}
}

func TestMergeOverridesAndExpansion(t *testing.T) {
	e := New()
	e.env = Var{"HOME": "/home/u", "PATH": "/bin"}
	e.Set("APPDIR", "${HOME}/app")
	out := e.Merge([]string{"PORT=5433"})

	m := make(map[string]string)
	for _, kv := range out {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	if m["APPDIR"] != "/home/u/app" {
		t.Fatalf("expansion failed: %q", m["APPDIR"])
	}
	if m["PORT"] != "5433" {
		t.Fatalf("per-proc override missing: %v", m)
	}
}
