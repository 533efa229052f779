package ratelimit

import "strings"

// KeyForStream builds the limiter key for a user's stream requests.
func KeyForStream(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ""
	}
	return "stream:u:" + userID
}
