package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a commented starter config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config: %s already exists", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

const Template = `# amictl client configuration
host = "127.0.0.1"
port = 5038
username = "admin"
secret = "change-me"
# events = true subscribes the session to all event classes.
events = true
keep_connected = true
connect_timeout = "5s"
write_timeout = "10s"
keep_alive = "30s"
metrics_addr = "127.0.0.1:9138"

[reconnect]
initial = "10s"
step = "10s"
max = "60s"

[tls]
enabled = false
server_name = ""
ca_file = ""
cert_file = ""
key_file = ""
insecure_skip_verify = false
`
