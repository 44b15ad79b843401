package pgdata

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/servermgr/internal/errdefs"
)

// VersionEnv overrides automatic server version selection when set.
const VersionEnv = "POSTGRES_VERSION"

// Version is a comparable server version. Minor is zero for modern
// single-number major releases (10 and later).
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	if v.Minor == 0 && v.Major >= 10 {
		return strconv.Itoa(v.Major)
	}
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Less orders versions by major, then minor.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ParseVersion accepts "16", "16.4" or "9.6" forms.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Version{}, errdefs.New(errdefs.KindConfig, "empty version string")
	}
	parts := strings.SplitN(s, ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, errdefs.Wrap(errdefs.KindConfig, err, "parse version %q", s)
	}
	v := Version{Major: major}
	if len(parts) > 1 {
		minor, err := strconv.Atoi(parts[1])
		if err != nil {
			return Version{}, errdefs.Wrap(errdefs.KindConfig, err, "parse version %q", s)
		}
		v.Minor = minor
	}
	return v, nil
}

// BinaryVersion runs the server binary with --version and parses the
// reported release, e.g. "postgres (PostgreSQL) 16.4". A missing binary or
// unparseable output is a WorkerError.
func BinaryVersion(ctx context.Context, binDir string) (Version, error) {
	bin := "postgres"
	if binDir != "" {
		bin = filepath.Join(binDir, "postgres")
	}
	// #nosec G204 -- binDir comes from validated manager configuration
	cmd := exec.CommandContext(ctx, bin, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return Version{}, errdefs.Wrap(errdefs.KindUnavailable, err, "run %s --version", bin)
	}
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return Version{}, errdefs.New(errdefs.KindUnavailable, "%s --version produced no output", bin)
	}
	last := fields[len(fields)-1]
	// Development builds report forms like "17devel" or "16beta2"; keep the
	// leading numeric release and drop the suffix.
	if i := strings.IndexFunc(last, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}); i >= 0 {
		last = last[:i]
	}
	last = strings.TrimRight(last, ".")
	v, err := ParseVersion(last)
	if err != nil {
		return Version{}, errdefs.Wrap(errdefs.KindUnavailable, err, "parse %s --version output %q", bin, out.String())
	}
	return v, nil
}

// DefaultVersion selects the server version to manage. The POSTGRES_VERSION
// environment variable wins; otherwise the largest numbered directory under
// installRoot (e.g. /usr/lib/postgresql) is used.
func DefaultVersion(installRoot string) (Version, error) {
	if env := os.Getenv(VersionEnv); env != "" {
		return ParseVersion(env)
	}
	entries, err := os.ReadDir(installRoot)
	if err != nil {
		return Version{}, errdefs.Wrap(errdefs.KindConfig, err, "scan install root %s", installRoot)
	}
	var best Version
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := ParseVersion(e.Name())
		if err != nil {
			continue
		}
		if !found || best.Less(v) {
			best = v
			found = true
		}
	}
	if !found {
		return Version{}, errdefs.New(errdefs.KindConfig, "no server versions under %s", installRoot)
	}
	return best, nil
}

// VersionBinDir maps a version to its bin directory under installRoot.
func VersionBinDir(installRoot string, v Version) string {
	return filepath.Join(installRoot, v.String(), "bin")
}
