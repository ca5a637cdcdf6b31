package discovery

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Scheme marks an environment value to be expanded into a service URL
const Scheme = "discovery"

// DefaultNamespace is used when the topology does not name one
const DefaultNamespace = "cutover.local"

// Namespace is the private DNS namespace services are registered in
type Namespace struct {
	Name string
}

// Host returns the discovery hostname of a service
func (n Namespace) Host(service string) string {
	return service + "." + n.name()
}

// URL returns the HTTP URL of a service in the namespace
func (n Namespace) URL(service string, port int, path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", n.Host(service), port, path)
}

func (n Namespace) name() string {
	if n.Name == "" {
		return DefaultNamespace
	}
	return strings.TrimSuffix(n.Name, ".")
}

// ExpandEnv returns a copy of env with every discovery://service:port/path
// value replaced by the service's URL in the namespace. Other values are
// copied unchanged.
func ExpandEnv(env map[string]string, ns Namespace) (map[string]string, error) {
	if env == nil {
		return nil, nil
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(env))
	for _, k := range keys {
		v := env[k]
		if !strings.HasPrefix(v, Scheme+"://") {
			out[k] = v
			continue
		}

		expanded, err := expand(v, ns)
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}

func expand(value string, ns Namespace) (string, error) {
	u, err := url.Parse(value)
	if err != nil {
		return "", err
	}

	service := u.Hostname()
	if service == "" {
		return "", fmt.Errorf("missing service in %q", value)
	}

	portStr := u.Port()
	if portStr == "" {
		return "", fmt.Errorf("missing port in %q", value)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port in %q", value)
	}

	expanded := ns.URL(service, port, u.EscapedPath())
	if u.RawQuery != "" {
		expanded += "?" + u.RawQuery
	}
	return expanded, nil
}
