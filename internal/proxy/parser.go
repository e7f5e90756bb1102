package proxy

import (
	"fmt"
	"regexp"
	"strconv"
)

// specPattern accepts [protocol://][user:pass@]host:port.
var specPattern = regexp.MustCompile(
	`^(?:(?P<protocol>https?|socks[45])://)?(?:(?P<username>[^:@]+):(?P<password>[^@]+)@)?(?P<host>[0-9a-zA-Z.\-]+):(?P<port>\d+)$`)

// Spec is a single parsed proxy line. Protocol is empty when the line
// carried no explicit scheme.
type Spec struct {
	Host     string
	Port     int
	Username string
	Password string
	Protocol Protocol
}

// ParseSpec parses one proxy spec line.
func ParseSpec(line string) (Spec, error) {
	match := specPattern.FindStringSubmatch(line)
	if match == nil {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, line)
	}

	groups := map[string]string{}
	for i, name := range specPattern.SubexpNames() {
		if name != "" {
			groups[name] = match[i]
		}
	}

	port, err := strconv.Atoi(groups["port"])
	if err != nil || port < 1 || port > 65535 {
		return Spec{}, fmt.Errorf("%w: bad port in %q", ErrInvalidSpec, line)
	}

	return Spec{
		Host:     groups["host"],
		Port:     port,
		Username: groups["username"],
		Password: groups["password"],
		Protocol: Protocol(groups["protocol"]),
	}, nil
}
