package queue

import "strings"

// classification is checked in order; the first matching rule wins.
var classification = []struct {
	needles []string
	errType ErrorType
}{
	{[]string{"timeout", "timed out"}, ErrorTimeout},
	{[]string{"rate limit", "429"}, ErrorRateLimit},
	{[]string{"connection", "network", "unreachable"}, ErrorNetwork},
	{[]string{"parse", "invalid", "malformed"}, ErrorParse},
}

// Classify maps an error to an ErrorType by case-insensitive substring
// match on its message. Unrecognized errors classify as ErrorOther.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorOther
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classification {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.errType
			}
		}
	}
	return ErrorOther
}
