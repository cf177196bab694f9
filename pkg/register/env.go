package register

import (
	"strings"
)

// envPrefix is the namespace every register's environment-variable form
// carries, matching the dotted name's leading "uavcan" segment.
const envPrefix = "UAVCAN"

// registerNameToEnv converts a dotted register name to its environment
// variable form: upper-cased segments joined by "__", per spec.md §6 —
// "upper-case with `__` separating dotted segments" (the double separator,
// as pycyphal itself uses, disambiguates a segment boundary from a literal
// underscore inside a port name like "motor_current").
func registerNameToEnv(name string) string {
	segments := strings.Split(name, ".")
	for i, seg := range segments {
		segments[i] = strings.ToUpper(seg)
	}
	return strings.Join(segments, "__")
}

// envToRegisterName reverses registerNameToEnv, or reports ok=false if key
// is not a UAVCAN-namespaced variable.
func envToRegisterName(key string) (name string, ok bool) {
	segments := strings.Split(key, "__")
	if len(segments) == 0 || segments[0] != envPrefix {
		return "", false
	}
	for i, seg := range segments {
		segments[i] = strings.ToLower(seg)
	}
	return strings.Join(segments, "."), true
}

// ApplyEnvironment overrides registers from environ (the "KEY=VALUE" pairs
// os.Environ() returns), taking precedence over anything loaded from file —
// spec.md §6: "applied on top at node start." Non-UAVCAN variables are
// ignored.
func (s *Store) ApplyEnvironment(environ []string) {
	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		name, ok := envToRegisterName(key)
		if !ok {
			continue
		}
		s.Set(name, value)
	}
}
