package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "nameserver":
		return nameserverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `nameserver = "127.0.0.1:10000"

[log]
level = "info"
file = ""

[carriers]
quic_cert_file = ""
quic_key_file = ""

[connection]
connect_timeout_ms = 5000
ack_timeout_ms = 20000

[[ports]]
name = "/sensor/out"
carrier = "tcp"
policy = "drop_oldest"
read_depth = 2
envelope = true

[[ports]]
name = "/logger/in"
carrier = "tcp"
policy = "strict_fifo"
queue_depth = 16
outputs = []
`

const nameserverTemplate = `name = "/root"
listen_addr = "127.0.0.1:10000"
admin_listen_addr = "127.0.0.1:10080"
cors_origins = ["http://localhost:3000"]
store = "portmesh-names.db"

[registry]
base_port = 10002
max_port = 65535
default_host = "127.0.0.1"
default_carrier = "tcp"
`
