package bp

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIPN splits an "ipn:<node>.<service>" EID into its node number and
// service number (as a string, to match against Rule.SourceService). Any
// other scheme, or a malformed ipn body, yields ok=false: such bundles
// are forwardable only via the limbo queue until a matching plan/group
// appears (§4.4.2).
func parseIPN(eid EID) (node uint64, service string, ok bool) {
	const prefix = "ipn:"
	s := string(eid)
	if !strings.HasPrefix(s, prefix) {
		return 0, "", false
	}
	body := s[len(prefix):]
	dot := strings.IndexByte(body, '.')
	if dot < 0 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(body[:dot], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, body[dot+1:], true
}

// FormatIPN builds an "ipn:<node>.<service>" EID.
func FormatIPN(node uint64, service string) EID {
	return EID(fmt.Sprintf("ipn:%d.%s", node, service))
}

// ParseEID validates an EID's scheme is known ("ipn" or "dtn"); bp_open
// and bp_send reject anything else (§4.4.1, §7 "Admission").
func ParseEID(s string) (EID, error) {
	if strings.HasPrefix(s, "ipn:") || strings.HasPrefix(s, "dtn:") {
		return EID(s), nil
	}
	return "", fmt.Errorf("bp: unknown eid scheme in %q", s)
}
