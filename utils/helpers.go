package utils

import (
	"regexp"
	"strings"
	"time"

	"visitorpulse/api/models"
)

// NormalizePage trims the path and rewrites the root to the home marker.
func NormalizePage(page string) string {
	page = strings.TrimSpace(page)
	if page == "" || page == "/" {
		return models.HomePage
	}
	return page
}

var (
	mobileUA  = regexp.MustCompile(`(?i)mobile`)
	tabletUA  = regexp.MustCompile(`(?i)tablet`)
	iosUA     = regexp.MustCompile(`iPad|iPhone|iPod`)
	androidUA = regexp.MustCompile(`Android`)
)

// DeviceFromUserAgent classifies a User-Agent into a coarse device bucket.
func DeviceFromUserAgent(ua string) string {
	switch {
	case ua == "":
		return ""
	case mobileUA.MatchString(ua):
		return "mobile"
	case tabletUA.MatchString(ua):
		return "tablet"
	case iosUA.MatchString(ua):
		return "ios"
	case androidUA.MatchString(ua):
		return "android"
	default:
		return "desktop"
	}
}

// MinuteBucket truncates t to the start of its UTC minute.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
