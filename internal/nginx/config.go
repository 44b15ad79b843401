package nginx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/loykin/servermgr/internal/errdefs"
)

// confTemplate is the managed nginx.conf. The server runs in the
// foreground; all paths live under the manager's base directory.
const confTemplate = `daemon off;
error_log {{.LogDir}}/error.log;
pid {{.PIDPath}};

events {
  worker_connections 1024;
}

http {
  access_log {{.LogDir}}/access.log;
  client_body_temp_path {{.TmpDir}} 1 2;
  fastcgi_temp_path {{.TmpDir}}/fastcgi;
  proxy_temp_path {{.TmpDir}}/proxy;
  root {{.Root}};
  server_name_in_redirect off;

  server {
    listen {{.Port}};

    location /nginx_status {
      stub_status on;
      access_log off;
      allow 127.0.0.1;
      deny all;
    }
{{range .Blocks}}
{{.}}
{{end}}  }
}
`

var confTmpl = template.Must(template.New("nginx.conf").Parse(confTemplate))

type confData struct {
	LogDir  string
	TmpDir  string
	PIDPath string
	Root    string
	Port    int
	Blocks  []string
}

func filesystemBlock(urlPrefix, dir string) string {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return fmt.Sprintf(`    location %s {
      alias %s;
      autoindex on;
    }`, urlPrefix, dir)
}

func redirectBlock(urlPrefix, pattern, rewrite string) string {
	return fmt.Sprintf(`    location %s {
      rewrite %s %s permanent;
    }`, urlPrefix, pattern, rewrite)
}

func fastCGIBlock(urlPrefix, destination string) string {
	return fmt.Sprintf(`    location %s {
      fastcgi_buffers 256 8k;
      fastcgi_max_temp_file_size 0;
      fastcgi_pass %s;
      fastcgi_param PATH_INFO $fastcgi_script_name;
      fastcgi_param REQUEST_METHOD $request_method;
      fastcgi_param QUERY_STRING $query_string;
      fastcgi_param CONTENT_TYPE $content_type;
      fastcgi_param CONTENT_LENGTH $content_length;
      fastcgi_param SERVER_NAME $server_name;
      fastcgi_param SERVER_PORT $server_port;
      fastcgi_param SERVER_PROTOCOL $server_protocol;
      fastcgi_pass_header Authorization;
      fastcgi_intercept_errors off;
    }`, urlPrefix, destination)
}

func httpProxyBlock(urlPrefix, destination string) string {
	return fmt.Sprintf(`    location %s {
      proxy_set_header X-Forwarded-Host $host;
      proxy_set_header X-Forwarded-Server $host;
      proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
      proxy_pass %s;
    }`, urlPrefix, destination)
}

// Paths under the base directory. The layout mirrors a self-contained
// nginx prefix: etc for the config, logs, run for the pid file, tmp for
// request buffering.
func (m *Manager) etcDir() string     { return filepath.Join(m.cfg.DataDir, "etc", "nginx") }
func (m *Manager) logDir() string     { return filepath.Join(m.cfg.DataDir, "logs", "nginx") }
func (m *Manager) runDir() string     { return filepath.Join(m.cfg.DataDir, "run") }
func (m *Manager) tmpDir() string     { return filepath.Join(m.cfg.DataDir, "tmp", "nginx") }
func (m *Manager) configPath() string { return filepath.Join(m.etcDir(), "nginx.conf") }
func (m *Manager) pidPath() string    { return filepath.Join(m.runDir(), "nginx.pid") }

// WriteConfig renders the nginx configuration to w.
func (m *Manager) WriteConfig(w io.Writer) error {
	root := m.httpRoot
	if root == "" {
		root = m.cfg.DataDir
	}
	return confTmpl.Execute(w, confData{
		LogDir:  m.logDir(),
		TmpDir:  m.tmpDir(),
		PIDPath: m.pidPath(),
		Root:    root,
		Port:    m.cfg.Port,
		Blocks:  m.blocks,
	})
}

func (m *Manager) ensureDirs() error {
	for _, dir := range []string{m.etcDir(), m.logDir(), m.runDir(), m.tmpDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errdefs.Wrap(errdefs.KindUnavailable, err, "create %s", dir)
		}
	}
	return nil
}

func (m *Manager) writeConfigFile() error {
	f, err := os.OpenFile(m.configPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return errdefs.Wrap(errdefs.KindUnavailable, err, "open %s", m.configPath())
	}
	defer func() { _ = f.Close() }()
	if err := m.WriteConfig(f); err != nil {
		return errdefs.Wrap(errdefs.KindUnavailable, err, "render %s", m.configPath())
	}
	return nil
}
