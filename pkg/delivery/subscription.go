package delivery

import "strings"

const wildcard = "*"

// IsSubscribed reports whether any subscription entry selects eventType.
// An entry matches on equality, on "*", or as a category prefix once a
// trailing ".*" is removed ("fundedDeal.*" selects "fundedDeal.created").
func IsSubscribed(subscribed []string, eventType string) bool {
	for _, sub := range subscribed {
		if sub == eventType || sub == wildcard {
			return true
		}
		if strings.HasPrefix(eventType, strings.TrimSuffix(sub, ".*")) {
			return true
		}
	}
	return false
}
